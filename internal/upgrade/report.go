package upgrade

import (
	"context"
	"fmt"
	"strings"

	"github.com/kokistudios/patchlift/internal/patch"
	"github.com/kokistudios/patchlift/internal/ui"
	"github.com/kokistudios/patchlift/internal/version"
)

// Report prints what a soft-stopped run needs from a human.
func Report(ctx context.Context, res *Result, googlesourceURL string) {
	switch res.Reason {
	case StopAdvisory:
		reportAdvisories(res.Advisories, googlesourceURL)
	case StopConflicts:
		reportRecord(ctx, res.Record, googlesourceURL)
	}
}

func reportAdvisories(advisories []Advisory, googlesourceURL string) {
	ui.SectionHeader("Pre-run advisory " + ui.ActionNeeded())
	for _, a := range advisories {
		ui.Item("*", a.Description)
		ui.Indented(4, "CL: "+a.Subject)
		if googlesourceURL != "" && a.Commit != "" {
			ui.Indented(6, version.CommitLink(googlesourceURL, a.Commit))
		}
		ui.Indented(4, a.Advice)
	}
}

func reportRecord(ctx context.Context, rec *patch.Record, googlesourceURL string) {
	if rec == nil {
		return
	}

	if len(rec.Deleted) > 0 {
		ui.SectionHeader("Patches with deleted sources " + ui.ActionNeeded())
		groups, err := rec.DeletionReport(ctx)
		if err != nil {
			ui.Logger.Warn("could not trace deleted sources", "err", err)
			groups = nil
			for _, p := range rec.Deleted {
				ui.Item(ui.Failed(), p.Path)
			}
		}
		for _, g := range groups {
			ui.Item("*", "Removed in "+g.Commit)
			ui.Indented(6, g.Details)
			if googlesourceURL != "" {
				ui.Indented(4, version.CommitLink(googlesourceURL, g.Commit))
			}
			for _, r := range g.Removals {
				if r.Status == "R" {
					ui.Indented(4, fmt.Sprintf("%s (renamed to %s)", r.Patch.Path, r.RenamedToFromCore()))
				} else {
					ui.Indented(4, fmt.Sprintf("%s (deleted)", r.Patch.Path))
				}
			}
		}
	}

	var broken, unrecognized []patch.BrokenPatch
	for _, b := range rec.Broken {
		if b.Unrecognized {
			unrecognized = append(unrecognized, b)
		} else {
			broken = append(broken, b)
		}
	}
	if len(broken) > 0 {
		ui.SectionHeader("Broken patches " + ui.ActionNeeded())
		ui.Table(brokenHeaders, brokenRows(broken))
	}
	if len(unrecognized) > 0 {
		ui.SectionHeader("Patches failing for unrecognized reasons " + ui.ActionNeeded())
		ui.Table(brokenHeaders, brokenRows(unrecognized))
	}

	if len(rec.Conflicts) > 0 {
		ui.SectionHeader("Conflicts to resolve " + ui.ActionNeeded())
		for _, c := range rec.Conflicts {
			ui.Item("*", c)
		}
	}
}

var brokenHeaders = []string{"Patch", "Source", "Reason"}

func brokenRows(broken []patch.BrokenPatch) [][]string {
	rows := make([][]string, 0, len(broken))
	for _, b := range broken {
		reason := firstLine(b.Reason)
		if reason == "" {
			reason = "-"
		}
		rows = append(rows, []string{b.Patch.Path, b.Patch.SourceFromCore(), reason})
	}
	return rows
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
