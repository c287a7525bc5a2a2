package natshandler

import (
	"context"
	"encoding/json"
	"time"

	"leviathan/engine"
	"leviathan/model"
	"leviathan/service"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Request subjects, relative to the configured prefix ("engine" by default).
const (
	SubjectExecute   = "execute.request"
	SubjectInit      = "session.init.request"
	SubjectTerminate = "session.terminate.request"

	DefaultSubjectPrefix = "engine"

	queueGroup     = "leviathan"
	requestTimeout = 2 * time.Minute
)

// Service is what the request handlers call into.
type Service interface {
	InitSession(ctx context.Context, req model.SessionRequest) (*model.SessionResponse, error)
	Execute(ctx context.Context, sessionID string, req model.ExecutionRequest) (*model.ExecutionResponse, error)
	Terminate(ctx context.Context, sessionID string) error
}

type terminateRequest struct {
	SessionID string `json:"sessionId"`
}

type terminateResponse struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

func failure(err error) model.ErrorResponse {
	return model.ErrorResponse{Error: service.Message(err), Reason: service.Reason(err)}
}

func badRequest(err error) model.ErrorResponse {
	return model.ErrorResponse{Error: "invalid request: " + err.Error(), Reason: engine.ReasonInvalidRequest}
}

func executeReply(ctx context.Context, svc Service, data []byte) any {
	var req model.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	res, err := svc.Execute(ctx, req.SessionID, req)
	if err != nil {
		return failure(err)
	}
	return res
}

func initReply(ctx context.Context, svc Service, data []byte) any {
	var req model.SessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	res, err := svc.InitSession(ctx, req)
	if err != nil {
		return failure(err)
	}
	return res
}

func terminateReply(ctx context.Context, svc Service, data []byte) any {
	var req terminateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	if err := svc.Terminate(ctx, req.SessionID); err != nil {
		return failure(err)
	}
	return terminateResponse{SessionID: req.SessionID, Success: true}
}

func reply(msg *nats.Msg, nc *nats.Conn, logger *zap.Logger, res any) {
	if msg.Reply == "" {
		return
	}
	resData, err := json.Marshal(res)
	if err != nil {
		logger.Error("failed to encode reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := nc.Publish(msg.Reply, resData); err != nil {
		logger.Warn("failed to publish reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func HandleExecuteRequest(msg *nats.Msg, nc *nats.Conn, svc Service, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	reply(msg, nc, logger, executeReply(ctx, svc, msg.Data))
}

func HandleSessionInit(msg *nats.Msg, nc *nats.Conn, svc Service, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	reply(msg, nc, logger, initReply(ctx, svc, msg.Data))
}

func HandleSessionTerminate(msg *nats.Msg, nc *nats.Conn, svc Service, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	reply(msg, nc, logger, terminateReply(ctx, svc, msg.Data))
}

// Subscribe attaches the request handlers to nc in a shared queue group so
// several engines split the load.
func Subscribe(nc *nats.Conn, prefix string, svc Service, logger *zap.Logger) ([]*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	handlers := map[string]func(*nats.Msg, *nats.Conn, Service, *zap.Logger){
		SubjectExecute:   HandleExecuteRequest,
		SubjectInit:      HandleSessionInit,
		SubjectTerminate: HandleSessionTerminate,
	}
	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, handle := range handlers {
		sub, err := nc.QueueSubscribe(prefix+"."+subject, queueGroup, func(msg *nats.Msg) {
			handle(msg, nc, svc, logger)
		})
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	logger.Info("subscribed to engine subjects", zap.String("prefix", prefix), zap.Int("count", len(subs)))
	return subs, nil
}
