package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	dataCmds
	stackCmds
	targetCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing the call stack", stackCmds},
	{"Viewing registers and memory", dataCmds},
	{"Inspecting the target and the unwinders", targetCmds},
	{"Other commands", otherCmds},
}
