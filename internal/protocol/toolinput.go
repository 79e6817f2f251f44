package protocol

// Tool input arrives as an untyped name→value map. The known tool schemas
// get concrete types so callers can switch on them exhaustively; anything
// else degrades to GenericInput.

type ToolInput interface {
	ToolInputName() string
}

type BashInput struct {
	Command     string
	Description string
	TimeoutMs   int64
}

func (BashInput) ToolInputName() string { return "Bash" }

type EditInput struct {
	FilePath  string
	OldString string
	NewString string
}

func (EditInput) ToolInputName() string { return "Edit" }

type WriteInput struct {
	FilePath string
	Content  string
}

func (WriteInput) ToolInputName() string { return "Write" }

type ReadInput struct {
	FilePath string
}

func (ReadInput) ToolInputName() string { return "Read" }

type GlobInput struct {
	Pattern string
	Path    string
}

func (GlobInput) ToolInputName() string { return "Glob" }

type GrepInput struct {
	Pattern string
	Path    string
}

func (GrepInput) ToolInputName() string { return "Grep" }

// GenericInput is the fallback for tools without a known schema.
type GenericInput map[string]any

func (GenericInput) ToolInputName() string { return "" }

// ParseToolInput maps a raw input map onto the schema for the named tool.
func ParseToolInput(name string, raw map[string]any) ToolInput {
	switch name {
	case "Bash":
		return BashInput{
			Command:     getString(raw, "command"),
			Description: getString(raw, "description"),
			TimeoutMs:   getInt(raw, "timeout"),
		}
	case "Edit":
		return EditInput{
			FilePath:  getString(raw, "file_path"),
			OldString: getString(raw, "old_string"),
			NewString: getString(raw, "new_string"),
		}
	case "Write":
		return WriteInput{
			FilePath: getString(raw, "file_path"),
			Content:  getString(raw, "content"),
		}
	case "Read":
		return ReadInput{FilePath: getString(raw, "file_path")}
	case "Glob":
		return GlobInput{
			Pattern: getString(raw, "pattern"),
			Path:    getString(raw, "path"),
		}
	case "Grep":
		return GrepInput{
			Pattern: getString(raw, "pattern"),
			Path:    getString(raw, "path"),
		}
	default:
		if raw == nil {
			return GenericInput{}
		}
		return GenericInput(raw)
	}
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
