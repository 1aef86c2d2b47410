package workflow

// Reserved node ids that edges may reference without declaring them.
const (
	Start      = "START"
	End        = "END"
	StartAlias = "__start__"
	EndAlias   = "__end__"
)

var sentinels = map[string]bool{
	Start:      true,
	End:        true,
	StartAlias: true,
	EndAlias:   true,
}

// IsSentinel reports whether id is one of the reserved node ids.
func IsSentinel(id string) bool {
	return sentinels[id]
}

// IsStart reports whether id marks the beginning of a graph.
func IsStart(id string) bool {
	return id == Start || id == StartAlias
}

// IsEnd reports whether id marks the end of a graph.
func IsEnd(id string) bool {
	return id == End || id == EndAlias
}
