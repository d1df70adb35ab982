// Package sessionctx implements the Session Context named in the data
// model: an ordered message history, a file-path-keyed content cache, and
// an ordered tool-output log. It follows the teacher's blackboard pattern
// (internal/types.SessionContext) narrowed to the three fields the spec
// names, with insertion-order preservation implemented the way the
// teacher's world model preserves fact insertion order (an explicit key
// slice alongside the map) rather than relying on Go's unordered maps.
package sessionctx

import "time"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn in the session's ordered conversation history.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// ToolOutput is one recorded tool invocation result, in call order.
type ToolOutput struct {
	ToolName  string
	Content   string
	ExitCode  *int
	Timestamp time.Time
}

// Context is the session context: mutated only by the adapter layer that
// owns a user session, read by the orchestrator and externalized to the
// interpreter as plain data. It is not safe for concurrent mutation; the
// adapter is expected to serialize writes itself, the same discipline the
// teacher's blackboard SessionContext assumes of its caller.
type Context struct {
	messages []Message

	// fileOrder preserves file-path insertion order; fileContent holds the
	// cached content. Keys are unique: re-adding a path updates content in
	// place without duplicating its position in fileOrder.
	fileOrder   []string
	fileContent map[string]string

	toolOutputs []ToolOutput
}

// New returns an empty session context.
func New() *Context {
	return &Context{fileContent: make(map[string]string)}
}

// AppendMessage records a new message at the end of the history.
func (c *Context) AppendMessage(role Role, content string, ts time.Time) {
	c.messages = append(c.messages, Message{Role: role, Content: content, Timestamp: ts})
}

// Messages returns the ordered message history. The slice is a copy; the
// caller may not mutate it in place.
func (c *Context) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// SetFile caches content for a path, preserving first-insertion order if
// the path is new, and updating content in place if it already exists.
func (c *Context) SetFile(path, content string) {
	if _, exists := c.fileContent[path]; !exists {
		c.fileOrder = append(c.fileOrder, path)
	}
	c.fileContent[path] = content
}

// File returns a cached file's content and whether it was present.
func (c *Context) File(path string) (string, bool) {
	content, ok := c.fileContent[path]
	return content, ok
}

// FilePaths returns cached file paths in insertion order.
func (c *Context) FilePaths() []string {
	out := make([]string, len(c.fileOrder))
	copy(out, c.fileOrder)
	return out
}

// AppendToolOutput records a tool invocation result at the end of the log.
func (c *Context) AppendToolOutput(toolName, content string, exitCode *int, ts time.Time) {
	c.toolOutputs = append(c.toolOutputs, ToolOutput{
		ToolName:  toolName,
		Content:   content,
		ExitCode:  exitCode,
		Timestamp: ts,
	})
}

// ToolOutputs returns the ordered tool output log.
func (c *Context) ToolOutputs() []ToolOutput {
	out := make([]ToolOutput, len(c.toolOutputs))
	copy(out, c.toolOutputs)
	return out
}

// Externalize renders the context as a plain map the interpreter protocol
// can serialize as execute globals, since the sandboxed subprocess has no
// access to this struct directly.
func (c *Context) Externalize() map[string]any {
	msgs := make([]map[string]any, len(c.messages))
	for i, m := range c.messages {
		msgs[i] = map[string]any{
			"role":      string(m.Role),
			"content":   m.Content,
			"timestamp": m.Timestamp,
		}
	}
	files := make(map[string]string, len(c.fileContent))
	for k, v := range c.fileContent {
		files[k] = v
	}
	tools := make([]map[string]any, len(c.toolOutputs))
	for i, t := range c.toolOutputs {
		tools[i] = map[string]any{
			"tool_name": t.ToolName,
			"content":   t.Content,
			"exit_code": t.ExitCode,
			"timestamp": t.Timestamp,
		}
	}
	return map[string]any{
		"messages":     msgs,
		"files":        files,
		"file_order":   c.FilePaths(),
		"tool_outputs": tools,
	}
}
