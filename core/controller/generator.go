package controller

import (
	"path"
	"sort"
	"strings"

	"sbom-orchestrator/core/models"
)

// Generator names
const (
	GeneratorSyft           = "syft"
	GeneratorCycloneDXMaven = "cyclonedx-maven"
)

// Invocation is the desired command of a generator job
type Invocation struct {
	Command []string
	Args    []string
	Params  map[string]string
}

// Generator builds the job invocation for one generator tool
type Generator interface {
	Name() string
	// Invocation builds the command for g. workspace is where the job writes its output.
	Invocation(g *models.Generation, workspace string) (Invocation, error)
}

func commonParams(g *models.Generation) map[string]string {
	return map[string]string{
		"SBOM_GENERATION_ID": g.ID,
		"SBOM_TARGET":        g.Request.Target.Identifier,
		"SBOM_KIND":          string(g.Request.Kind),
	}
}

// Syft scans container images
type Syft struct{}

func (Syft) Name() string { return GeneratorSyft }

func (Syft) Invocation(g *models.Generation, workspace string) (Invocation, error) {
	cfg := g.Request.Generator
	command := cfg.Command
	if len(command) == 0 {
		command = []string{"syft"}
	}

	args := []string{"scan", "registry:" + g.Request.Target.Identifier, "-o", "cyclonedx-json=" + path.Join(workspace, "bom.json")}
	if scope := cfg.Options["scope"]; scope != "" {
		args = append(args, "--scope", scope)
	}

	params := commonParams(g)
	for _, key := range sortedKeys(cfg.Options) {
		if key == "scope" {
			continue
		}
		params["SYFT_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_"))] = cfg.Options[key]
	}
	return Invocation{Command: command, Args: args, Params: params}, nil
}

// CycloneDXMaven generates aggregate manifests for Maven builds
type CycloneDXMaven struct {
	PluginVersion string
}

func (CycloneDXMaven) Name() string { return GeneratorCycloneDXMaven }

func (m CycloneDXMaven) Invocation(g *models.Generation, workspace string) (Invocation, error) {
	cfg := g.Request.Generator
	command := cfg.Command
	if len(command) == 0 {
		command = []string{"mvn"}
	}

	plugin := m.PluginVersion
	if plugin == "" {
		plugin = cfg.Version
	}
	args := []string{
		"--batch-mode",
		"org.cyclonedx:cyclonedx-maven-plugin:" + plugin + ":makeAggregateBom",
		"-DoutputFormat=json",
		"-DoutputName=bom",
		"-DoutputDirectory=" + workspace,
	}
	for _, key := range sortedKeys(cfg.Options) {
		args = append(args, "-D"+key+"="+cfg.Options[key])
	}

	params := commonParams(g)
	params["SBOM_BUILD_ID"] = g.Request.Target.Identifier
	return Invocation{Command: command, Args: args, Params: params}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
