package catalog

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
)

var (
	javaClassPattern = regexp.MustCompile(`public\s+(?:final\s+)?class\s+([A-Za-z_][A-Za-z0-9_]*)`)
	packagePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-@/=]*$`)
)

// Profile describes how to provision and run one language.
type Profile struct {
	ID                          string        `yaml:"id"`
	Name                        string        `yaml:"name"`
	Cost                        Cost          `yaml:"cost"`
	MemoryLimit                 string        `yaml:"memory_limit"`
	CPULimit                    float64       `yaml:"cpu_limit"`
	ExecutionTimeout            time.Duration `yaml:"timeout"`
	ConcurrentLimit             int           `yaml:"concurrent_limit"`
	BaseImage                   string        `yaml:"base_image"`
	FallbackImage               string        `yaml:"fallback_image"`
	SetupCommands               []string      `yaml:"setup_commands"`
	FileExtension               string        `yaml:"file_extension"`
	Run                         string        `yaml:"run"`
	PackageInstallCommand       string        `yaml:"package_install_command"`
	CommonPackages              []string      `yaml:"common_packages"`
	PackagesRequiringBuildTools []string      `yaml:"packages_requiring_build_tools"`
	BuildToolsInstallCommand    string        `yaml:"build_tools_install_command"`
	PrimingCommands             []string      `yaml:"priming_commands"`
	Disabled                    bool          `yaml:"disabled"`
}

func (p Profile) Active() bool { return !p.Disabled }

func (p Profile) validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("profile without id")
	case p.BaseImage == "":
		return fmt.Errorf("profile %s: base_image is required", p.ID)
	case p.Run == "":
		return fmt.Errorf("profile %s: run is required", p.ID)
	case p.FileExtension == "" || !strings.HasPrefix(p.FileExtension, "."):
		return fmt.Errorf("profile %s: file_extension must start with a dot", p.ID)
	case p.ExecutionTimeout <= 0:
		return fmt.Errorf("profile %s: timeout must be positive", p.ID)
	}
	if _, ok := map[Cost]bool{CostLow: true, CostMedium: true, CostHigh: true}[p.Cost]; !ok {
		return fmt.Errorf("profile %s: unknown cost %q", p.ID, p.Cost)
	}
	if _, err := p.MemoryBytes(); err != nil {
		return fmt.Errorf("profile %s: %w", p.ID, err)
	}
	return nil
}

// MemoryBytes parses the memory limit, e.g. "256m".
func (p Profile) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(p.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory_limit %q: %w", p.MemoryLimit, err)
	}
	return n, nil
}

// NanoCPUs converts the fractional core limit for the daemon.
func (p Profile) NanoCPUs() int64 {
	return int64(p.CPULimit * 1e9)
}

// FileNameFor picks the file the code is written to. Java needs the file
// named after its public class.
func (p Profile) FileNameFor(code string) string {
	if p.ID == "java" {
		if m := javaClassPattern.FindStringSubmatch(code); m != nil {
			return m[1] + p.FileExtension
		}
	}
	return "main" + p.FileExtension
}

// ExecuteCommand renders the run template for fileName.
func (p Profile) ExecuteCommand(fileName string) []string {
	name := strings.TrimSuffix(fileName, p.FileExtension)
	cmd := strings.NewReplacer("{file}", fileName, "{name}", name).Replace(p.Run)
	return []string{"sh", "-c", cmd}
}

// NeedsBuildTools reports whether any package needs a compiler toolchain.
func (p Profile) NeedsBuildTools(packages []string) bool {
	for _, pkg := range packages {
		for _, heavy := range p.PackagesRequiringBuildTools {
			if strings.EqualFold(pkg, heavy) {
				return true
			}
		}
	}
	return false
}

// InstallCommand builds the package install command, or nil when the
// language has no package manager or no packages were given.
func (p Profile) InstallCommand(packages []string) []string {
	if p.PackageInstallCommand == "" || len(packages) == 0 {
		return nil
	}
	return []string{"sh", "-c", p.PackageInstallCommand + " " + strings.Join(packages, " ")}
}

// ValidPackageName rejects names that could escape the install command.
func ValidPackageName(name string) bool {
	return packagePattern.MatchString(name)
}
