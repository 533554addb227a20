package boot

import "fmt"

// Stage is a step of the boot sequence. Stages run strictly in order.
type Stage int

const (
	StageInit Stage = iota
	StageLocateDisplay
	StageLocateVolume
	StageOpenKernelFile
	StageReadHeader
	StageValidateHeader
	StageLoadSegments
	StageSelectDisplayMode
	StageCaptureMemoryMap
	StageExitFirmwareServices
	StageHandoff
)

var stageNames = [...]string{
	"init",
	"locate display",
	"locate volume",
	"open kernel file",
	"read header",
	"validate header",
	"load segments",
	"select display mode",
	"capture memory map",
	"exit firmware services",
	"handoff",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}
