// Package orchestrator manages the lifecycle of backend MCP server
// subprocesses: spawning, MCP handshake, tool discovery, tool-call
// forwarding with restart-on-crash, and workflow execution with $previous
// substitution.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mcpgate/internal/mcprpc"
	"mcpgate/pkg/logging"
)

const subsystem = "Orchestrator"

const (
	spawnTimeout           = 10 * time.Second
	handshakeTimeout       = 10 * time.Second
	toolsListTimeout       = 30 * time.Second
	promptsListTimeout     = 10 * time.Second
	defaultToolCallTimeout = 30 * time.Second
	shutdownGrace          = 5 * time.Second
	killGrace              = 5 * time.Second
	previousToken          = "$previous"
)

// clientInfo is declared to backends during the initialize handshake,
// matching spec §6's fixed clientInfo when the core is the client.
var clientInfo = mcprpc.Implementation{Name: "meta-mcp-orchestrator", Version: "0.1.0"}

// Status is the lifecycle state of a RunningBackend.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// RunningBackend is the in-memory model of a tracked backend process.
type RunningBackend struct {
	Name      string
	PID       int
	Status    Status
	StartedAt time.Time
	Command   string
}

// DiscoveredTool is one tool surfaced by a backend's tools/list response.
type DiscoveredTool struct {
	Name             string
	Description      string
	ParametersSchema json.RawMessage
}

// ServerToolsResult is the outcome of a transient discovery probe.
type ServerToolsResult struct {
	Server  string
	Tools   []DiscoveredTool
	Prompts []mcprpc.PromptDescriptor
}

// WorkflowStep is one step of an execute_workflow call.
type WorkflowStep struct {
	Server string
	Tool   string
	Input  map[string]interface{}
}

// StepStatus is the outcome of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowStepResult records the outcome of one workflow step.
type WorkflowStepResult struct {
	Server    string
	Tool      string
	Status    StepStatus
	Output    interface{}
	Error     string
	LatencyMs int64
}

// WorkflowResult is the overall outcome of an execute_workflow call.
type WorkflowResult struct {
	Name   string
	Steps  []WorkflowStepResult
	Status string // "completed", "partial", or "failed"
}

// process wraps a live subprocess and the plumbing needed to exchange
// JSON-RPC frames with it. A single mutex serializes request/response pairs
// per backend — at most one outstanding request per backend, matching
// spec §5's scheduling model.
type process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *mcprpc.LineReader
	nextID int64
	exited atomic.Bool
	waitCh chan struct{}
}

func (p *process) hasExited() bool {
	return p.exited.Load()
}

// sendRequest writes a request and waits for its response, serialized
// against any other outstanding request on this backend.
func (p *process) sendRequest(ctx context.Context, method string, params interface{}) (*mcprpc.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := atomic.AddInt64(&p.nextID, 1)
	if err := mcprpc.WriteMessage(p.stdin, mcprpc.NewRequest(id, method, params)); err != nil {
		return nil, err
	}
	return p.reader.ReadResponse(ctx)
}

func (p *process) sendNotification(method string, params interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return mcprpc.WriteMessage(p.stdin, mcprpc.NewNotification(method, params))
}

// tracked is the persistent record of a started backend: its configuration
// (kept so restart can reuse it — see the DESIGN.md note on restart_server)
// plus its live process, if any.
type tracked struct {
	model   RunningBackend
	command string
	args    []string
	env     map[string]string
	proc    *process
}

// Orchestrator owns every tracked backend process.
type Orchestrator struct {
	mu       sync.Mutex
	backends map[string]*tracked
}

// New constructs an empty Orchestrator.
func New() *Orchestrator {
	return &Orchestrator{backends: make(map[string]*tracked)}
}

func mergeEnv(overrides map[string]string) []string {
	out := append([]string(nil), os.Environ()...)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func classifySpawnError(command string, err error) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return &CommandNotFoundError{Command: command, Err: err}
	}
	if errors.Is(err, fs.ErrPermission) {
		return &PermissionDeniedError{Command: command, Err: err}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &CommandNotFoundError{Command: command, Err: err}
	}
	return err
}

// spawn starts command with args and env (merged over the process
// environment, with env winning on collision), wiring stdin/stdout pipes.
func spawn(command string, args []string, env map[string]string) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = mergeEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, classifySpawnError(command, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		reader: mcprpc.NewLineReader(stdout),
		waitCh: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		p.exited.Store(true)
		close(p.waitCh)
	}()
	return p, nil
}

// StartServer spawns the backend's process if not already tracked and
// running. Spawn must complete within spawnTimeout.
func (o *Orchestrator) StartServer(ctx context.Context, name, command string, args []string, env map[string]string) (RunningBackend, error) {
	o.mu.Lock()
	if t, ok := o.backends[name]; ok && t.model.Status == StatusRunning && t.proc != nil && !t.proc.hasExited() {
		model := t.model
		o.mu.Unlock()
		logging.Warn(subsystem, "start_server called for already-running backend %q", name)
		return model, nil
	}
	o.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	type spawnOutcome struct {
		proc *process
		err  error
	}
	result := make(chan spawnOutcome, 1)
	go func() {
		p, err := spawn(command, args, env)
		result <- spawnOutcome{p, err}
	}()

	select {
	case <-spawnCtx.Done():
		o.mu.Lock()
		o.backends[name] = &tracked{
			model:   RunningBackend{Name: name, Status: StatusError, Command: command},
			command: command, args: args, env: env,
		}
		o.mu.Unlock()
		return RunningBackend{}, &StartupTimeoutError{Backend: name}
	case outcome := <-result:
		if outcome.err != nil {
			o.mu.Lock()
			o.backends[name] = &tracked{
				model:   RunningBackend{Name: name, Status: StatusError, Command: command},
				command: command, args: args, env: env,
			}
			o.mu.Unlock()
			return RunningBackend{}, outcome.err
		}
		model := RunningBackend{
			Name:      name,
			PID:       outcome.proc.cmd.Process.Pid,
			Status:    StatusRunning,
			StartedAt: time.Now(),
			Command:   command,
		}
		o.mu.Lock()
		o.backends[name] = &tracked{model: model, command: command, args: args, env: env, proc: outcome.proc}
		o.mu.Unlock()
		logging.Info(subsystem, "Started backend %q (pid=%d)", name, model.PID)
		return model, nil
	}
}

// PerformHandshake runs the MCP initialize exchange and sends the
// notifications/initialized notification on name's tracked process.
func (o *Orchestrator) PerformHandshake(ctx context.Context, name string) error {
	o.mu.Lock()
	t, ok := o.backends[name]
	o.mu.Unlock()
	if !ok {
		return &UnknownBackendError{Backend: name}
	}
	return performHandshake(ctx, t.proc, name)
}

func performHandshake(ctx context.Context, p *process, name string) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	resp, err := p.sendRequest(hsCtx, "initialize", mcprpc.InitializeParams{
		ProtocolVersion: mcprpc.ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &HandshakeTimeoutError{Backend: name}
		}
		return fmt.Errorf("handshake with %q failed: %w", name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("handshake with %q failed: %w", name, resp.Error)
	}

	// Best-effort: failure to deliver the notification is logged, not fatal.
	if err := p.sendNotification("notifications/initialized", nil); err != nil {
		logging.Debug(subsystem, "Failed to send initialized notification to %q: %v", name, err)
	}
	return nil
}

// StopServer terminates name's process: SIGTERM, wait up to shutdownGrace,
// else SIGKILL with a further killGrace.
func (o *Orchestrator) StopServer(ctx context.Context, name string) error {
	o.mu.Lock()
	t, ok := o.backends[name]
	o.mu.Unlock()
	if !ok {
		return &UnknownBackendError{Backend: name}
	}

	if t.proc == nil || t.proc.hasExited() {
		o.mu.Lock()
		t.model.Status = StatusStopped
		o.mu.Unlock()
		return nil
	}

	t.proc.stdin.Close()
	_ = t.proc.cmd.Process.Signal(syscall.SIGTERM)
	terminated := waitForExit(t.proc, shutdownGrace)
	if !terminated {
		_ = t.proc.cmd.Process.Kill()
		terminated = waitForExit(t.proc, killGrace)
	}

	o.mu.Lock()
	if terminated {
		t.model.Status = StatusStopped
	} else {
		t.model.Status = StatusError
	}
	o.mu.Unlock()

	if !terminated {
		return fmt.Errorf("backend %q did not terminate after SIGTERM/SIGKILL", name)
	}
	logging.Info(subsystem, "Stopped backend %q", name)
	return nil
}

func waitForExit(p *process, timeout time.Duration) bool {
	select {
	case <-p.waitCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// RestartServer stops then starts name with its originally registered
// command, args, and env.
func (o *Orchestrator) RestartServer(ctx context.Context, name string) (RunningBackend, error) {
	o.mu.Lock()
	t, ok := o.backends[name]
	o.mu.Unlock()
	if !ok {
		return RunningBackend{}, &UnknownBackendError{Backend: name}
	}

	if err := o.StopServer(ctx, name); err != nil {
		logging.Warn(subsystem, "restart_server: stop failed for %q: %v", name, err)
	}
	return o.StartServer(ctx, name, t.command, t.args, t.env)
}

// DiscoverServerTools spawns a transient probe process (not added to the
// persistent map), runs the handshake, lists tools and prompts, then kills
// the probe regardless of outcome. Any failure yields an empty result
// rather than propagating an error, matching spec §4.3.4.
func (o *Orchestrator) DiscoverServerTools(ctx context.Context, name, command string, args []string, env map[string]string) ServerToolsResult {
	empty := ServerToolsResult{Server: name}

	p, err := spawn(command, args, env)
	if err != nil {
		logging.Warn(subsystem, "discover_server_tools: spawn failed for %q: %v", name, err)
		return empty
	}
	defer func() {
		p.stdin.Close()
		_ = p.cmd.Process.Kill()
	}()

	if err := performHandshake(ctx, p, name); err != nil {
		logging.Warn(subsystem, "discover_server_tools: handshake failed for %q: %v", name, err)
		return empty
	}

	toolsCtx, cancel := context.WithTimeout(ctx, toolsListTimeout)
	resp, err := p.sendRequest(toolsCtx, "tools/list", nil)
	cancel()
	if err != nil {
		logging.Warn(subsystem, "discover_server_tools: tools/list failed for %q: %v", name, err)
		return empty
	}
	if resp.Error != nil {
		logging.Warn(subsystem, "discover_server_tools: tools/list error for %q: %v", name, resp.Error)
		return empty
	}
	var toolsResult mcprpc.ToolsListResult
	if err := json.Unmarshal(resp.Result, &toolsResult); err != nil {
		logging.Warn(subsystem, "discover_server_tools: malformed tools/list result for %q: %v", name, err)
		return empty
	}

	tools := make([]DiscoveredTool, 0, len(toolsResult.Tools))
	for _, td := range toolsResult.Tools {
		tools = append(tools, DiscoveredTool{
			Name:             td.Name,
			Description:      td.Description,
			ParametersSchema: td.InputSchema,
		})
	}

	// prompts/list absence is tolerated; many backends don't implement it.
	var prompts []mcprpc.PromptDescriptor
	promptsCtx, cancel := context.WithTimeout(ctx, promptsListTimeout)
	presp, err := p.sendRequest(promptsCtx, "prompts/list", nil)
	cancel()
	if err == nil && presp.Error == nil {
		var pr mcprpc.PromptsListResult
		if json.Unmarshal(presp.Result, &pr) == nil {
			prompts = pr.Prompts
		}
	}

	return ServerToolsResult{Server: name, Tools: tools, Prompts: prompts}
}

// ensureRunning restarts and re-handshakes name's process if its tracked
// process has exited since it was started.
func (o *Orchestrator) ensureRunning(ctx context.Context, name string) (*tracked, error) {
	o.mu.Lock()
	t, ok := o.backends[name]
	o.mu.Unlock()
	if !ok {
		return nil, &UnknownBackendError{Backend: name}
	}

	if t.proc != nil && !t.proc.hasExited() {
		return t, nil
	}

	logging.Warn(subsystem, "Backend %q process exited; restarting before forwarding call", name)
	if _, err := o.RestartServer(ctx, name); err != nil {
		return nil, fmt.Errorf("restart of %q failed: %w", name, err)
	}
	if err := o.PerformHandshake(ctx, name); err != nil {
		return nil, fmt.Errorf("re-handshake with %q failed: %w", name, err)
	}

	o.mu.Lock()
	t = o.backends[name]
	o.mu.Unlock()
	return t, nil
}

// ForwardToolCall ensures the backend is alive (restarting it if its process
// has exited), then forwards a tools/call request. A timeout of 0 uses
// defaultToolCallTimeout.
func (o *Orchestrator) ForwardToolCall(ctx context.Context, backend, tool string, arguments map[string]interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = defaultToolCallTimeout
	}

	t, err := o.ensureRunning(ctx, backend)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := t.proc.sendRequest(callCtx, "tools/call", mcprpc.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ToolCallTimeoutError{Backend: backend, Tool: tool}
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, &BackendToolError{Backend: backend, Tool: tool, Message: resp.Error.Message}
	}
	return extractToolOutput(resp.Result), nil
}

// extractToolOutput unwraps a tools/call result's content array: a single
// text-type item becomes its text string; more than one item becomes a list
// where text items contribute their text and non-text items pass through
// raw; anything without a content list is returned unchanged.
func extractToolOutput(raw json.RawMessage) interface{} {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	result, ok := generic.(map[string]interface{})
	if !ok {
		return generic
	}
	contentRaw, ok := result["content"]
	if !ok {
		return result
	}
	content, ok := contentRaw.([]interface{})
	if !ok {
		return result
	}

	if len(content) == 1 {
		if text, ok := asText(content[0]); ok {
			return text
		}
	}

	texts := make([]interface{}, 0, len(content))
	for _, item := range content {
		if text, ok := asText(item); ok {
			texts = append(texts, text)
			continue
		}
		texts = append(texts, item)
	}
	if len(texts) == 1 {
		return texts[0]
	}
	return texts
}

func asText(item interface{}) (string, bool) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return "", false
	}
	if t, _ := m["type"].(string); t != "text" {
		return "", false
	}
	text, ok := m["text"].(string)
	return text, ok
}

// substitutePrevious applies spec §4.3.6's $previous token substitution: a
// value exactly equal to the token is replaced by the raw previous output
// (preserving its type); a value containing the token as a substring has it
// string-replaced by the previous output's string form (its own string
// value, or a JSON encoding for non-string outputs); anything else is left
// untouched. No substitution happens before the first step (havePrevious
// false).
func substitutePrevious(arguments map[string]interface{}, previous interface{}, havePrevious bool) map[string]interface{} {
	if !havePrevious || arguments == nil {
		return arguments
	}

	var prevStr string
	if s, ok := previous.(string); ok {
		prevStr = s
	} else {
		encoded, _ := json.Marshal(previous)
		prevStr = string(encoded)
	}

	out := make(map[string]interface{}, len(arguments))
	for k, v := range arguments {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		switch {
		case s == previousToken:
			out[k] = previous
		case strings.Contains(s, previousToken):
			out[k] = strings.ReplaceAll(s, previousToken, prevStr)
		default:
			out[k] = v
		}
	}
	return out
}

// ExecuteWorkflow runs steps sequentially, substituting $previous from each
// step's raw output into the next. The first failure stops execution and
// marks every remaining step skipped.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, steps []WorkflowStep, workflowName string) WorkflowResult {
	results := make([]WorkflowStepResult, len(steps))
	for i, step := range steps {
		results[i] = WorkflowStepResult{Server: step.Server, Tool: step.Tool, Status: StepPending}
	}

	var previous interface{}
	havePrevious := false
	failed := false
	completed := 0

	for i, step := range steps {
		if failed {
			break
		}
		results[i].Status = StepRunning
		args := substitutePrevious(step.Input, previous, havePrevious)

		start := time.Now()
		output, err := o.ForwardToolCall(ctx, step.Server, step.Tool, args, 0)
		results[i].LatencyMs = time.Since(start).Milliseconds()

		if err != nil {
			results[i].Status = StepFailed
			results[i].Error = err.Error()
			failed = true
			continue
		}
		results[i].Status = StepCompleted
		results[i].Output = output
		previous = output
		havePrevious = true
		completed++
	}

	for i := range results {
		if results[i].Status == StepPending {
			results[i].Status = StepSkipped
		}
	}

	status := "completed"
	if failed {
		if completed == 0 {
			status = "failed"
		} else {
			status = "partial"
		}
	}
	return WorkflowResult{Name: workflowName, Steps: results, Status: status}
}

// Get returns the tracked model for name, if any.
func (o *Orchestrator) Get(name string) (RunningBackend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.backends[name]
	if !ok {
		return RunningBackend{}, false
	}
	return t.model, true
}

// Shutdown stops every tracked backend, swallowing per-backend errors, and
// clears the tracked map.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	names := make([]string, 0, len(o.backends))
	for name := range o.backends {
		names = append(names, name)
	}
	o.mu.Unlock()

	for _, name := range names {
		if err := o.StopServer(ctx, name); err != nil {
			logging.Warn(subsystem, "shutdown: failed to stop %q: %v", name, err)
		}
	}

	o.mu.Lock()
	o.backends = make(map[string]*tracked)
	o.mu.Unlock()
}
