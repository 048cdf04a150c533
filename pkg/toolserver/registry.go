package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Capability is one tool advertised by a tool server.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Domain      string          `json:"domain"`
}

type registeredTool struct {
	capability Capability
	remoteName string
	schema     *gojsonschema.Schema
	session    *mcp.ClientSession
}

type domainSession struct {
	name    string
	session *mcp.ClientSession
}

// Registry is the set of tools available to one user's session. It owns the
// MCP sessions (and therefore the subprocesses) behind those tools.
type Registry struct {
	userID   string
	tools    []*registeredTool
	byName   map[string]*registeredTool
	sessions []domainSession
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

type domainTools struct {
	name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// newRegistry aggregates the tools of each domain in order. A tool whose name
// is already taken is registered as <domain>_<name>.
func newRegistry(userID string, domains []domainTools, logger zerolog.Logger) *Registry {
	r := &Registry{
		userID: userID,
		byName: make(map[string]*registeredTool),
		logger: logger,
	}

	for _, d := range domains {
		r.sessions = append(r.sessions, domainSession{name: d.name, session: d.session})

		for _, tool := range d.tools {
			if tool == nil || tool.Name == "" {
				continue
			}

			name := tool.Name
			if _, exists := r.byName[name]; exists {
				name = d.name + "_" + tool.Name
				logger.Warn().
					Str("original_name", tool.Name).
					Str("prefixed_name", name).
					Str("domain", d.name).
					Msg("Tool name conflict resolved by prefixing with domain")
			}
			if _, exists := r.byName[name]; exists {
				logger.Warn().Str("tool", name).Str("domain", d.name).Msg("Duplicate tool skipped")
				continue
			}

			entry := &registeredTool{
				capability: Capability{
					Name:        name,
					Description: tool.Description,
					Domain:      d.name,
				},
				remoteName: tool.Name,
				session:    d.session,
			}

			if tool.InputSchema != nil {
				raw, err := json.Marshal(tool.InputSchema)
				if err == nil {
					entry.capability.InputSchema = raw
					schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
					if err != nil {
						logger.Warn().Err(err).Str("tool", name).Msg("Tool input schema could not be compiled; arguments will not be validated")
					} else {
						entry.schema = schema
					}
				}
			}

			r.tools = append(r.tools, entry)
			r.byName[name] = entry
		}
	}

	return r
}

// UserID returns the user the registry was built for.
func (r *Registry) UserID() string {
	return r.userID
}

// Tools returns the capabilities in registration order.
func (r *Registry) Tools() []Capability {
	caps := make([]Capability, 0, len(r.tools))
	for _, t := range r.tools {
		caps = append(caps, t.capability)
	}
	return caps
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	t, ok := r.byName[name]
	if !ok {
		return Capability{}, false
	}
	return t.capability, true
}

// Domains returns the names of the domains backing this registry.
func (r *Registry) Domains() []string {
	names := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		names = append(names, s.name)
	}
	sort.Strings(names)
	return names
}

// Call validates args against the tool's input schema, invokes it on its
// tool server and returns the text content of the result.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "officeagent.toolserver", "toolserver.call",
		attribute.String("tool", name),
		attribute.String("user_id", r.userID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		err := fmt.Errorf("tool registry for user %s is closed", r.userID)
		tracing.FailSpan(span, err)
		return "", err
	}

	tool, ok := r.byName[name]
	if !ok {
		err := fmt.Errorf("tool not found: %s", name)
		tracing.FailSpan(span, err)
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(tool, args); err != nil {
		tracing.FailSpan(span, err)
		observability.RecordToolCall(name, 0, false)
		return "", err
	}

	start := time.Now()
	result, err := tool.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool.remoteName,
		Arguments: args,
	})
	duration := time.Since(start)

	if err == nil && result.IsError {
		err = &ToolError{Tool: name, Message: textContent(result)}
	}
	if err != nil {
		tracing.FailSpan(span, err)
		observability.RecordToolCall(name, duration, false)
		observability.RecordToolAudit(ctx, r.userID, name, "failure", map[string]interface{}{"domain": tool.capability.Domain})
		logger.Warn().Err(err).Str("tool", name).Str("domain", tool.capability.Domain).Dur("duration", duration).Msg("Tool call failed")
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return "", err
		}
		return "", fmt.Errorf("tool %s call failed: %w", name, err)
	}

	observability.RecordToolCall(name, duration, true)
	observability.RecordToolAudit(ctx, r.userID, name, "success", map[string]interface{}{"domain": tool.capability.Domain})
	logger.Debug().Str("tool", name).Str("domain", tool.capability.Domain).Dur("duration", duration).Msg("Tool call completed")

	return textContent(result), nil
}

// Close terminates every tool server session. It is safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return closeSessions(r.sessions, r.logger)
}

func closeSessions(sessions []domainSession, logger zerolog.Logger) error {
	var errs []error
	for _, s := range sessions {
		if s.session == nil {
			continue
		}
		if err := s.session.Close(); err != nil {
			logger.Debug().Err(err).Str("domain", s.name).Msg("Tool server session closed with error")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func validateArgs(tool *registeredTool, args map[string]any) error {
	if tool.schema == nil {
		return nil
	}

	result, err := tool.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("failed to validate arguments for tool %s: %w", tool.capability.Name, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &ValidationError{Tool: tool.capability.Name, Problems: problems}
}

func textContent(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
