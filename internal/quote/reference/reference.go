// Package reference computes human-readable quote references.
//
// The first quote of a project carries the project reference verbatim
// (P-001). Every later quote of the same project is suffixed with its
// revision number (P-001-R1, P-001-R2, ...).
package reference

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
)

const revisionMarker = "-R"

// Format builds the reference of revision n of a project.
func Format(projectRef string, n int) string {
	if n <= 0 {
		return projectRef
	}
	return fmt.Sprintf("%s%s%d", projectRef, revisionMarker, n)
}

// Parse extracts the revision number of reference within the project.
// A reference equal to the project reference is revision 0. Anything that
// does not match <projectRef>-R<digits> yields (0, false).
func Parse(projectRef, reference string) (int, bool) {
	if reference == projectRef {
		return 0, true
	}
	suffix, ok := strings.CutPrefix(reference, projectRef+revisionMarker)
	if !ok || suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Next returns the reference and revision number that follow existing.
// Malformed references count as revision 0.
func Next(projectRef string, existing []string) (string, int) {
	if len(existing) == 0 {
		return projectRef, 0
	}
	highest := 0
	for _, ref := range existing {
		if n, _ := Parse(projectRef, ref); n > highest {
			highest = n
		}
	}
	return Format(projectRef, highest+1), highest + 1
}

// ProjectFinder loads projects.
type ProjectFinder interface {
	FindByID(ctx context.Context, id string) (*entity.Project, error)
}

// QuoteFinder loads quotes and the references already used in a project.
type QuoteFinder interface {
	FindByID(ctx context.Context, id string) (*entity.Quote, error)
	References(ctx context.Context, projectID string) ([]string, error)
}

// Result is a computed reference together with its revision number.
type Result struct {
	ProjectID string `json:"project_id"`
	Reference string `json:"reference"`
	Revision  int    `json:"revision"`
}

// Generator computes references from the store. It takes no locks: the
// unique indexes on the quote table reject a concurrent duplicate.
type Generator struct {
	projects ProjectFinder
	quotes   QuoteFinder
}

func NewGenerator(projects ProjectFinder, quotes QuoteFinder) *Generator {
	return &Generator{projects: projects, quotes: quotes}
}

// NextReference is the reference the next quote of projectID would get.
func (g *Generator) NextReference(ctx context.Context, projectID string) (*Result, error) {
	project, err := g.projects.FindByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	existing, err := g.quotes.References(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	ref, n := Next(project.Reference, existing)
	return &Result{ProjectID: project.ID, Reference: ref, Revision: n}, nil
}

// NextRevisionReference is the reference a revision of quoteID would get.
func (g *Generator) NextRevisionReference(ctx context.Context, quoteID string) (*Result, error) {
	q, err := g.quotes.FindByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	return g.NextReference(ctx, q.ProjectID)
}
