package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/session"
)

type handlerFunc func(ctx context.Context, a args) (string, error)

type tool struct {
	def     ToolDefinition
	handler handlerFunc
}

// args wraps tool call arguments with typed accessors.
type args map[string]any

func (a args) str(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("argument %q must not be empty", name)
	}
	return s, nil
}

func (a args) optStr(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return s, nil
}

func (a args) optBool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(b) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("argument %q must be a boolean", name)
}

func (a args) strList(name string) ([]string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, fmt.Errorf("missing required argument %q", name)
	}
	var out []string
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q must be a list of strings", name)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, list...)
	case string:
		out = strings.Fields(list)
	default:
		return nil, fmt.Errorf("argument %q must be a list of strings", name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("argument %q must not be empty", name)
	}
	return out, nil
}

func jsonText(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var sessionIDProp = Property{Type: "string", Description: "Caller-chosen session id (letters, digits, '.', '-', '_'; at most 64 chars)"}

func sessionSchema(extra map[string]Property, required ...string) InputSchema {
	props := map[string]Property{"session_id": sessionIDProp}
	for k, v := range extra {
		props[k] = v
	}
	return InputSchema{
		Type:       "object",
		Properties: props,
		Required:   append([]string{"session_id"}, required...),
	}
}

func (s *Server) toolset() []tool {
	return []tool{
		{
			def: ToolDefinition{
				Name:        "start_session",
				Description: "Start an interactive Gemini CLI session attached to a pseudo-terminal.",
				InputSchema: sessionSchema(map[string]Property{
					"working_directory": {Type: "string", Description: "Directory the assistant runs in (default: server cwd)"},
					"model":             {Type: "string", Description: "Model name passed with -m"},
					"debug":             {Type: "boolean", Description: "Start with -d"},
					"checkpointing":     {Type: "boolean", Description: "Start with -c"},
					"auto_approve":      {Type: "boolean", Description: "Answer approval prompts automatically"},
				}),
			},
			handler: s.startSession,
		},
		{
			def: ToolDefinition{
				Name:        "session_chat",
				Description: "Send a message to a session. Returns a task_id at once; poll check_task_status for the answer.",
				InputSchema: sessionSchema(map[string]Property{
					"message": {Type: "string", Description: "Text to type into the assistant"},
				}, "message"),
			},
			handler: s.sessionChat,
		},
		{
			def: ToolDefinition{
				Name:        "check_task_status",
				Description: "Poll a task. A COMPLETE or ERROR result is returned once; later polls report NOT_FOUND.",
				InputSchema: InputSchema{
					Type:       "object",
					Properties: map[string]Property{"task_id": {Type: "string", Description: "Id returned by session_chat"}},
					Required:   []string{"task_id"},
				},
			},
			handler: s.checkTaskStatus,
		},
		{
			def: ToolDefinition{
				Name:        "respond_to_interaction",
				Description: "Answer the prompt a BLOCKED_ON_INTERACTION task is waiting on. Key words such as esc, enter, tab, up, down and ctrl-c are sent as key presses.",
				InputSchema: InputSchema{
					Type: "object",
					Properties: map[string]Property{
						"task_id":       {Type: "string", Description: "The blocked task"},
						"response_text": {Type: "string", Description: "Answer, e.g. \"1\" for the first option"},
					},
					Required: []string{"task_id", "response_text"},
				},
			},
			handler: s.respondToInteraction,
		},
		{
			def: ToolDefinition{
				Name:        "close_session",
				Description: "Close a session and terminate its process. Queued tasks fail with \"session closed\".",
				InputSchema: sessionSchema(nil),
			},
			handler: s.closeSession,
		},
		{
			def: ToolDefinition{
				Name:        "list_sessions",
				Description: "List running sessions and registry statistics.",
				InputSchema: InputSchema{Type: "object"},
			},
			handler: s.listSessions,
		},
		commandTool("session_stats", "Show the assistant's /stats for a session.", "/stats", s),
		commandTool("session_tools", "List the tools available to the assistant (/tools).", "/tools", s),
		commandTool("session_compress", "Compress the session's conversation context (/compress).", "/compress", s),
		commandTool("session_memory_show", "Show the assistant's memory (/memory show).", "/memory show", s),
		{
			def: ToolDefinition{
				Name:        "session_memory_add",
				Description: "Add a fact to the assistant's memory (/memory add).",
				InputSchema: sessionSchema(map[string]Property{
					"fact": {Type: "string", Description: "Fact to remember"},
				}, "fact"),
			},
			handler: s.memoryAdd,
		},
		{
			def: ToolDefinition{
				Name:        "session_include_files",
				Description: "Reference files with @path syntax, optionally followed by a prompt.",
				InputSchema: sessionSchema(map[string]Property{
					"paths":  {Type: "array", Description: "File or directory paths", Items: &Property{Type: "string"}},
					"prompt": {Type: "string", Description: "Optional question about the files"},
				}, "paths"),
			},
			handler: s.includeFiles,
		},
		{
			def: ToolDefinition{
				Name:        "session_shell_command",
				Description: "Run a shell command through the assistant's ! passthrough.",
				InputSchema: sessionSchema(map[string]Property{
					"command": {Type: "string", Description: "Shell command line"},
				}, "command"),
			},
			handler: s.shellCommand,
		},
	}
}

// commandTool dispatches a fixed slash command as a task.
func commandTool(name, description, command string, s *Server) tool {
	return tool{
		def: ToolDefinition{
			Name:        name,
			Description: description + " Returns a task_id; poll check_task_status.",
			InputSchema: sessionSchema(nil),
		},
		handler: func(ctx context.Context, a args) (string, error) {
			id, err := a.str("session_id")
			if err != nil {
				return "", err
			}
			return s.dispatch(id, command)
		},
	}
}

func (s *Server) startSession(ctx context.Context, a args) (string, error) {
	id, err := a.str("session_id")
	if err != nil {
		return "", err
	}
	opts := session.Options{}
	if opts.WorkDir, err = a.optStr("working_directory"); err != nil {
		return "", err
	}
	if opts.Model, err = a.optStr("model"); err != nil {
		return "", err
	}
	if opts.Debug, err = a.optBool("debug"); err != nil {
		return "", err
	}
	if opts.Checkpointing, err = a.optBool("checkpointing"); err != nil {
		return "", err
	}
	if opts.AutoApprove, err = a.optBool("auto_approve"); err != nil {
		return "", err
	}

	info, err := s.backend.StartSession(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("failed to start session %q: %w", id, err)
	}
	return jsonText(struct {
		Message string       `json:"message"`
		Session session.Info `json:"session"`
	}{
		Message: fmt.Sprintf("Session %q started and ready.", id),
		Session: info,
	})
}

func (s *Server) sessionChat(ctx context.Context, a args) (string, error) {
	id, err := a.str("session_id")
	if err != nil {
		return "", err
	}
	message, err := a.str("message")
	if err != nil {
		return "", err
	}
	return s.dispatch(id, message)
}

func (s *Server) dispatch(sessionID, message string) (string, error) {
	receipt, err := s.backend.Dispatch(sessionID, message)
	if err != nil {
		return "", err
	}
	return jsonText(receipt)
}

// taskStatus is the check_task_status payload.
type taskStatus struct {
	TaskID  string          `json:"task_id"`
	Status  core.TaskStatus `json:"status"`
	Result  string          `json:"result,omitempty"`
	Prompt  string          `json:"prompt,omitempty"`
	Partial bool            `json:"partial,omitempty"`
	Queued  bool            `json:"queued,omitempty"`
	Hint    string          `json:"hint,omitempty"`
}

func (s *Server) checkTaskStatus(ctx context.Context, a args) (string, error) {
	id, err := a.str("task_id")
	if err != nil {
		return "", err
	}
	v := s.backend.PollTask(id)
	out := taskStatus{
		TaskID:  v.TaskID,
		Status:  v.Status,
		Result:  v.Result,
		Prompt:  v.Prompt,
		Partial: v.Partial,
		Queued:  v.Queued,
	}
	switch v.Status {
	case core.TaskBlocked:
		out.Hint = "Answer with respond_to_interaction, then keep polling."
	case core.TaskNotFound:
		out.Hint = "Unknown task, or its final result was already returned."
	case core.TaskRunning:
		if v.Queued {
			out.Hint = "Waiting behind earlier messages for this session."
		}
	}
	return jsonText(out)
}

func (s *Server) respondToInteraction(ctx context.Context, a args) (string, error) {
	id, err := a.str("task_id")
	if err != nil {
		return "", err
	}
	text, err := a.str("response_text")
	if err != nil {
		return "", err
	}
	if err := s.backend.RespondToInteraction(id, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("Response sent to task %s; it is RUNNING again. Keep polling check_task_status.", id), nil
}

func (s *Server) closeSession(ctx context.Context, a args) (string, error) {
	id, err := a.str("session_id")
	if err != nil {
		return "", err
	}
	if err := s.backend.CloseSession(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %q closed.", id), nil
}

func (s *Server) listSessions(ctx context.Context, a args) (string, error) {
	return jsonText(struct {
		Sessions []core.SessionSummary `json:"sessions"`
		Stats    core.Stats            `json:"stats"`
	}{
		Sessions: s.backend.ListSessions(),
		Stats:    s.backend.Stats(),
	})
}

func (s *Server) memoryAdd(ctx context.Context, a args) (string, error) {
	id, err := a.str("session_id")
	if err != nil {
		return "", err
	}
	fact, err := a.str("fact")
	if err != nil {
		return "", err
	}
	return s.dispatch(id, "/memory add "+singleLine(fact))
}

func (s *Server) includeFiles(ctx context.Context, a args) (string, error) {
	id, err := a.str("session_id")
	if err != nil {
		return "", err
	}
	paths, err := a.strList("paths")
	if err != nil {
		return "", err
	}
	prompt, err := a.optStr("prompt")
	if err != nil {
		return "", err
	}
	return s.dispatch(id, IncludeFilesMessage(paths, prompt))
}

func (s *Server) shellCommand(ctx context.Context, a args) (string, error) {
	id, err := a.str("session_id")
	if err != nil {
		return "", err
	}
	command, err := a.str("command")
	if err != nil {
		return "", err
	}
	return s.dispatch(id, "!"+singleLine(command))
}

// IncludeFilesMessage builds an @path message. Spaces in paths are escaped
// the way the assistant's completer writes them.
func IncludeFilesMessage(paths []string, prompt string) string {
	refs := make([]string, 0, len(paths))
	for _, p := range paths {
		refs = append(refs, "@"+strings.ReplaceAll(p, " ", `\ `))
	}
	msg := strings.Join(refs, " ")
	if prompt = singleLine(prompt); prompt != "" {
		msg += " " + prompt
	}
	return msg
}

var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// singleLine folds newlines so a command is submitted as one line.
func singleLine(s string) string {
	return strings.TrimSpace(newlines.Replace(s))
}
