package executor

import (
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types/image"
	logrus "github.com/sirupsen/logrus"

	"leviathan/catalog"
)

type imageAPI interface {
	inspect(ctx context.Context, ref string) error
	pull(ctx context.Context, ref string) error
}

type dockerImages struct{ cm *ContainerManager }

func (d dockerImages) inspect(ctx context.Context, ref string) error {
	if err := d.cm.ready("image inspect"); err != nil {
		return err
	}
	_, _, err := d.cm.dockerClient.ImageInspectWithRaw(ctx, ref)
	return err
}

func (d dockerImages) pull(ctx context.Context, ref string) error {
	if err := d.cm.ready("image pull"); err != nil {
		return err
	}
	out, err := d.cm.dockerClient.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

// Images picks the image each language runs on, substituting the
// fallback base image when the optimized one is unavailable.
type Images struct {
	api         imageAPI
	logger      *logrus.Logger
	mu          sync.RWMutex
	substitutes map[string]string
}

func NewImages(api imageAPI, logger *logrus.Logger) *Images {
	return &Images{api: api, logger: logger, substitutes: make(map[string]string)}
}

// Prepare checks every profile's image, pulling or falling back as needed.
func (i *Images) Prepare(ctx context.Context, profiles []catalog.Profile) {
	for _, p := range profiles {
		err := i.ensure(ctx, p.BaseImage)
		if err == nil {
			continue
		}
		i.logger.WithField("language", p.ID).Warnf("image %s unavailable: %v", p.BaseImage, err)

		if p.FallbackImage == "" {
			continue
		}
		if err := i.ensure(ctx, p.FallbackImage); err != nil {
			i.logger.WithField("language", p.ID).Errorf("fallback image %s unavailable: %v", p.FallbackImage, err)
			continue
		}

		i.mu.Lock()
		i.substitutes[p.BaseImage] = p.FallbackImage
		i.mu.Unlock()
		i.logger.WithField("language", p.ID).Infof("using fallback image %s", p.FallbackImage)
	}
}

func (i *Images) ensure(ctx context.Context, ref string) error {
	if err := i.api.inspect(ctx, ref); err == nil {
		return nil
	}
	return i.api.pull(ctx, ref)
}

// For returns the image a container for p should be created from.
func (i *Images) For(p catalog.Profile) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if sub, ok := i.substitutes[p.BaseImage]; ok {
		return sub
	}
	return p.BaseImage
}

// Substitutions returns a copy of the base-to-fallback image map.
func (i *Images) Substitutions() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]string, len(i.substitutes))
	for k, v := range i.substitutes {
		out[k] = v
	}
	return out
}
