// Package pipeline implements the stage workers, the assembly join,
// job admission and the control plane on top of a core.StatusStore and a
// core.Channel.
package pipeline

import (
	"fmt"
	"slices"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// Stage is the static description of one pipeline step.
type Stage struct {
	// Name is the sender identity and the consumer name.
	Name string
	// Inputs are the routes the stage consumes.
	Inputs []core.Route
	// Senders lists the stages allowed to feed this one.
	Senders []string
	// Output is the downstream route; empty for the assembly stage.
	Output core.Route
	// Extension marks the artifact the stage produces.
	Extension string

	Start core.Status
	Done  core.Status
}

// Accepts reports whether messages sent by sender are on the allow-list.
func (s Stage) Accepts(sender string) bool {
	return slices.Contains(s.Senders, sender)
}

var (
	OCRStage = Stage{
		Name:      core.StageOCR,
		Inputs:    []core.Route{core.RouteIngressOCR},
		Senders:   []string{core.StageUpload},
		Output:    core.RouteOCRRender,
		Extension: core.ExtText,
		Start:     core.StatusOCRStart,
		Done:      core.StatusOCRDone,
	}
	AnimationStage = Stage{
		Name:      core.StageGIF,
		Inputs:    []core.Route{core.RouteIngressGIF},
		Senders:   []string{core.StageUpload},
		Output:    core.RouteGIFAssembly,
		Extension: core.ExtGIF,
		Start:     core.StatusGIFStart,
		Done:      core.StatusGIFDone,
	}
	RenderStage = Stage{
		Name:      core.StagePDF,
		Inputs:    []core.Route{core.RouteOCRRender},
		Senders:   []string{core.StageOCR},
		Output:    core.RouteRenderAssembly,
		Extension: core.ExtPDF,
		Start:     core.StatusPDFStart,
		Done:      core.StatusPDFDone,
	}
	AssemblyStage = Stage{
		Name:      core.StageFile,
		Inputs:    []core.Route{core.RouteRenderAssembly, core.RouteGIFAssembly},
		Senders:   []string{core.StagePDF, core.StageGIF},
		Extension: core.ExtArchive,
		Start:     core.StatusFileStart,
		Done:      core.StatusFileDone,
	}
)

// Stages lists every consuming stage in pipeline order.
var Stages = []Stage{OCRStage, AnimationStage, RenderStage, AssemblyStage}

// StageByName looks a consuming stage up by its identity.
func StageByName(name string) (Stage, error) {
	for _, s := range Stages {
		if s.Name == name {
			return s, nil
		}
	}
	return Stage{}, fmt.Errorf("unknown stage %q", name)
}

// expectedExtension returns the artifact extension a sender produces.
func expectedExtension(sender string) string {
	for _, s := range Stages {
		if s.Name == sender {
			return s.Extension
		}
	}
	return ""
}
