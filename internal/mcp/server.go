package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/patchlift/internal/continuation"
	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/version"
)

// Server exposes the state of an in-progress upgrade to agents. Every tool
// is read-only; nothing here touches either tree or the checkpoint.
type Server struct {
	rc         *repo.Context
	checkpoint string
	server     *mcp.Server
}

// NewServer creates a new patchlift MCP server.
func NewServer(rc *repo.Context, checkpointPath, version string) *Server {
	s := &Server{rc: rc, checkpoint: checkpointPath}

	impl := &mcp.Implementation{
		Name:    "patchlift",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	// patchlift_status - where the current upgrade stands
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "patchlift_status",
		Description: "Get the state of the Chromium upgrade in progress: target, working and base versions, " +
			"the step it stopped at, how many patches conflicted, lost their source or failed to apply, " +
			"and the command that resumes it. Returns a message when no upgrade is in progress.",
	}, s.handleStatus)

	// patchlift_attention - files that need a human
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "patchlift_attention",
		Description: "List the files that need attention before the upgrade can continue: sources with " +
			"conflict markers, patches whose source was deleted upstream, and patches that failed to apply. " +
			"Use this to decide which files to open when helping resolve an upgrade.",
	}, s.handleAttention)

	// patchlift_versions - versions as the trees see them now
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "patchlift_versions",
		Description: "Read the Chromium version pinned by the core tree's package.json at a git ref " +
			"(default HEAD) and the version the upstream src tree is checked out at.",
	}, s.handleVersions)
}

// StatusArgs defines the input for patchlift_status.
type StatusArgs struct{}

// StatusResult is the output of patchlift_status.
type StatusResult struct {
	InProgress       bool   `json:"in_progress"`
	RunID            string `json:"run_id,omitempty"`
	State            string `json:"state,omitempty"`
	Target           string `json:"target,omitempty"`
	Working          string `json:"working,omitempty"`
	Base             string `json:"base,omitempty"`
	HasShownAdvisory bool   `json:"has_shown_advisory,omitempty"`
	Conflicts        int    `json:"conflicts"`
	Deleted          int    `json:"deleted"`
	Broken           int    `json:"broken"`
	UpdatedAt        string `json:"updated_at,omitempty"`
	Recency          string `json:"recency,omitempty"`
	NextStep         string `json:"next_step,omitempty"`
	Message          string `json:"message,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, args StatusArgs) (*mcp.CallToolResult, any, error) {
	f, err := continuation.Peek(s.rc, s.checkpoint)
	if errors.Is(err, continuation.ErrNotFound) {
		return nil, StatusResult{Message: "No upgrade in progress."}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	out := StatusResult{
		InProgress:       true,
		RunID:            f.RunID,
		State:            string(f.State),
		Target:           f.Target.String(),
		Working:          f.Working.String(),
		Base:             f.Base.String(),
		HasShownAdvisory: f.HasShownAdvisory,
		NextStep:         nextStep(f),
	}
	if !f.UpdatedAt.IsZero() {
		out.UpdatedAt = f.UpdatedAt.Format(time.RFC3339)
		out.Recency = formatRelativeTime(f.UpdatedAt)
	}
	if rec := f.Patches; rec != nil {
		out.Conflicts = len(rec.Conflicts)
		out.Deleted = len(rec.Deleted)
		out.Broken = len(rec.Broken)
	}
	return nil, out, nil
}

func nextStep(f *continuation.File) string {
	switch f.State {
	case continuation.StateNeedsConflictResolution, continuation.StateResumed:
		return "resolve the files from patchlift_attention, stage them, then run " + f.ResumeCommand()
	}
	return f.ResumeCommand()
}

// AttentionArgs defines the input for patchlift_attention.
type AttentionArgs struct {
	Kind string `json:"kind,omitempty" jsonschema:"Restrict to one kind: 'conflict', 'deleted' or 'broken' (optional - returns all if not specified)"`
}

// AttentionItem is one file needing attention.
type AttentionItem struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AttentionResult is the output of patchlift_attention.
type AttentionResult struct {
	Items   []AttentionItem `json:"items"`
	Paths   []string        `json:"paths"`
	Message string          `json:"message,omitempty"`
}

func (s *Server) handleAttention(ctx context.Context, req *mcp.CallToolRequest, args AttentionArgs) (*mcp.CallToolResult, any, error) {
	switch args.Kind {
	case "", "conflict", "deleted", "broken":
	default:
		return nil, nil, fmt.Errorf("unknown kind %q: use conflict, deleted or broken", args.Kind)
	}

	f, err := continuation.Peek(s.rc, s.checkpoint)
	if errors.Is(err, continuation.ErrNotFound) {
		return nil, AttentionResult{Message: "No upgrade in progress."}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	out := AttentionResult{}
	rec := f.Patches
	if rec == nil {
		out.Message = "The upgrade has not re-applied any patches yet."
		return nil, out, nil
	}

	want := func(kind string) bool { return args.Kind == "" || args.Kind == kind }
	if want("conflict") {
		for _, c := range rec.Conflicts {
			out.Items = append(out.Items, AttentionItem{Kind: "conflict", Path: c})
		}
	}
	if want("deleted") {
		for _, p := range rec.Deleted {
			out.Items = append(out.Items, AttentionItem{Kind: "deleted", Path: p.Path, Source: p.SourceFromCore()})
		}
	}
	if want("broken") {
		for _, b := range rec.Broken {
			out.Items = append(out.Items, AttentionItem{
				Kind:   "broken",
				Path:   b.Patch.Path,
				Source: b.Patch.SourceFromCore(),
				Reason: b.Reason,
			})
		}
	}
	if args.Kind == "" {
		out.Paths = rec.AttentionPaths()
	} else {
		for _, it := range out.Items {
			out.Paths = append(out.Paths, it.Path)
		}
	}

	if len(out.Items) == 0 {
		out.Message = "Nothing needs attention."
	}
	return nil, out, nil
}

// VersionsArgs defines the input for patchlift_versions.
type VersionsArgs struct {
	Ref string `json:"ref,omitempty" jsonschema:"Git ref of the core tree to read package.json at (default HEAD). Accepts @upstream and @previous."`
}

// VersionsResult is the output of patchlift_versions.
type VersionsResult struct {
	Ref      string `json:"ref"`
	Manifest string `json:"manifest"`
	Src      string `json:"src,omitempty"`
	InSync   bool   `json:"in_sync"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleVersions(ctx context.Context, req *mcp.CallToolRequest, args VersionsArgs) (*mcp.CallToolResult, any, error) {
	ref := args.Ref
	if ref == "" {
		ref = "HEAD"
	}

	v, err := version.ResolveRef(ctx, s.rc.Core(), ref)
	if err != nil {
		return nil, nil, fmt.Errorf("reading version at %s: %w", ref, err)
	}

	out := VersionsResult{Ref: ref, Manifest: v.String()}
	src, err := version.FromUpstreamVersionFile(ctx, s.rc.Src(), "HEAD")
	if err != nil {
		out.Message = fmt.Sprintf("Could not read the src tree version: %v", err)
		return nil, out, nil
	}
	out.Src = src.String()
	out.InSync = src.Equal(v)
	return nil, out, nil
}

func formatRelativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Hour {
		mins := int(duration.Minutes())
		if mins <= 1 {
			return "just now"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	}
	if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	if days < 30 {
		return fmt.Sprintf("%d days ago", days)
	}
	return t.Format("2006-01-02")
}
