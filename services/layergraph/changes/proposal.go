// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changes

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// ErrNotAPatch is returned by ParsePatch for text that holds no unified
// diff.
var ErrNotAPatch = errors.New("not a unified diff")

// ProposalPreview shows what applying a staged proposal would change on
// its node.
type ProposalPreview struct {
	NodeID       string `json:"nodeId"`
	Proposal     string `json:"proposal"`
	Diff         string `json:"diff"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`

	// Patch summarises AdditionalInfo when the agent attached a unified
	// diff there.
	Patch *PatchStats `json:"patch,omitempty"`
}

// PatchStats counts the files and lines touched by a unified diff.
type PatchStats struct {
	Files        []string `json:"files"`
	LinesAdded   int      `json:"linesAdded"`
	LinesRemoved int      `json:"linesRemoved"`
}

// PreviewProposal renders the node's change-tracking fields before and
// after applying c as a unified diff.
//
// Description:
//
//	The diff covers name, summary, intention and additional info, one
//	field per line with multi-line values indented. An empty Diff means
//	applying c would not change the node. If c.AdditionalInfo is itself a
//	unified diff its per-file counts are returned in Patch.
//
// Inputs:
//
//	node - The node the proposal targets.
//	c - The staged proposal.
//
// Outputs:
//
//	ProposalPreview - The rendered preview.
//	error - Non-nil only if the rendered diff cannot be re-read, which
//	        indicates a bug.
func PreviewProposal(node graph.GraphNode, c graph.ProposedChange) (ProposalPreview, error) {
	p := ProposalPreview{NodeID: node.ID, Proposal: c.Name}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(changeFields(node.ChangeName, node.ChangeSummary, node.ChangeIntention, node.ChangeAdditionalInfo)),
		B:        difflib.SplitLines(changeFields(c.Name, c.Summary, c.Intention, c.AdditionalInfo)),
		FromFile: node.ID + "@current",
		ToFile:   node.ID + "@proposed",
		Context:  3,
	})
	if err != nil {
		return p, fmt.Errorf("rendering proposal diff: %w", err)
	}
	p.Diff = text
	if text != "" {
		fd, err := diff.ParseFileDiff([]byte(text))
		if err != nil {
			return p, fmt.Errorf("reading proposal diff: %w", err)
		}
		p.LinesAdded, p.LinesRemoved = countHunkLines(fd.Hunks)
	}

	if stats, err := ParsePatch(c.AdditionalInfo); err == nil {
		p.Patch = stats
	}
	return p, nil
}

// ParsePatch counts the files and lines of a multi-file unified diff.
//
// Outputs:
//
//	*PatchStats - Files in patch order, new names preferred.
//	error - ErrNotAPatch if text does not start like a diff or holds no
//	        file diffs; a parse error otherwise.
func ParsePatch(text string) (*PatchStats, error) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, "diff ") && !strings.HasPrefix(trimmed, "--- ") {
		return nil, ErrNotAPatch
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(trimmed)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing patch: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, ErrNotAPatch
	}

	stats := &PatchStats{Files: make([]string, 0, len(fileDiffs))}
	for _, fd := range fileDiffs {
		stats.Files = append(stats.Files, patchFileName(fd))
		added, removed := countHunkLines(fd.Hunks)
		stats.LinesAdded += added
		stats.LinesRemoved += removed
	}
	return stats, nil
}

func patchFileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return path.Clean(name)
}

func countHunkLines(hunks []*diff.Hunk) (added, removed int) {
	for _, hunk := range hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				added++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				removed++
			}
		}
	}
	return added, removed
}

// changeFields lays out the change-tracking fields one per line so a
// line diff maps to field changes.
func changeFields(name, summary, intention, info string) string {
	var b strings.Builder
	for _, f := range [...]struct{ key, value string }{
		{"name", name},
		{"summary", summary},
		{"intention", intention},
		{"additionalInfo", info},
	} {
		b.WriteString(f.key)
		b.WriteString(":")
		for i, line := range strings.Split(f.value, "\n") {
			if i == 0 {
				if line != "" {
					b.WriteString(" ")
					b.WriteString(line)
				}
				continue
			}
			b.WriteString("\n  ")
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return b.String()
}
