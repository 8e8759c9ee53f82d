package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"dissolve/api/internal/logging"
	"dissolve/api/internal/store"
)

type ConsentDeleter interface {
	DeleteConsent(ctx context.Context, id string) error
}

type DedupeResult struct {
	Scanned   int        `json:"scanned"`
	Residents int        `json:"residentsWithDuplicates"`
	Kept      []string   `json:"kept"`
	Deleted   []string   `json:"deleted"`
	DryRun    bool       `json:"dryRun"`
	Errors    []RowError `json:"errors"`
}

// DedupeConsents keeps the best-ranked consent per resident and deletes the
// rest. With dryRun the deletions are reported but not performed.
func DedupeConsents(ctx context.Context, st ConsentDeleter, consents []store.Consent, dryRun bool) DedupeResult {
	result := DedupeResult{
		Scanned: len(consents),
		Kept:    []string{},
		Deleted: []string{},
		DryRun:  dryRun,
		Errors:  []RowError{},
	}

	groups := make(map[string][]store.Consent)
	for _, c := range consents {
		groups[c.ResidentID] = append(groups[c.ResidentID], c)
	}
	residentIDs := make([]string, 0, len(groups))
	for id, group := range groups {
		if len(group) > 1 {
			residentIDs = append(residentIDs, id)
		}
	}
	sort.Strings(residentIDs)

	log := logging.FromContext(ctx)
	for _, residentID := range residentIDs {
		ranked := rankConsents(groups[residentID])
		result.Residents++
		result.Kept = append(result.Kept, ranked[0].ID)
		for _, extra := range ranked[1:] {
			if dryRun {
				result.Deleted = append(result.Deleted, extra.ID)
				continue
			}
			if err := st.DeleteConsent(ctx, extra.ID); err != nil {
				log.WithError(err).WithField("consent_id", extra.ID).Warn("delete duplicate consent failed")
				result.Errors = append(result.Errors, RowError{Ref: extra.ID, Message: fmt.Sprintf("delete consent: %v", err)})
				continue
			}
			result.Deleted = append(result.Deleted, extra.ID)
		}
	}

	log.WithFields(logrus.Fields{
		"scanned":   result.Scanned,
		"residents": result.Residents,
		"deleted":   len(result.Deleted),
		"dry_run":   dryRun,
	}).Info("consent dedupe finished")
	return result
}

type ResidentUpdater interface {
	UpdateResident(ctx context.Context, item store.Resident) (store.Resident, error)
}

type Conflict struct {
	ResidentID     string `json:"residentId"`
	PersonID       string `json:"personId"`
	LegacyPersonID string `json:"legacyPersonId"`
	Reason         string `json:"reason"`
}

type MigrationResult struct {
	Scanned   int        `json:"scanned"`
	Promoted  int        `json:"promoted"`
	Cleared   int        `json:"cleared"`
	Conflicts []Conflict `json:"conflicts"`
	DryRun    bool       `json:"dryRun"`
	Errors    []RowError `json:"errors"`
}

// MigrateLegacyIDs folds the legacy alias into the canonical person id.
// An empty PersonID takes the alias, an alias equal to PersonID is cleared,
// and anything else is reported as a conflict without changes.
func MigrateLegacyIDs(ctx context.Context, st ResidentUpdater, residents []store.Resident, dryRun bool) MigrationResult {
	result := MigrationResult{Scanned: len(residents), Conflicts: []Conflict{}, DryRun: dryRun, Errors: []RowError{}}

	sorted := append([]store.Resident(nil), residents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	owner := make(map[string]string, len(sorted))
	for _, r := range sorted {
		if r.PersonID != "" {
			if _, taken := owner[r.PersonID]; !taken {
				owner[r.PersonID] = r.ID
			}
		}
	}

	log := logging.FromContext(ctx)
	for _, r := range sorted {
		if r.LegacyPersonID == "" {
			continue
		}
		next := r
		switch {
		case r.PersonID == r.LegacyPersonID:
			next.LegacyPersonID = ""
		case r.PersonID == "":
			if holder, taken := owner[r.LegacyPersonID]; taken && holder != r.ID {
				result.Conflicts = append(result.Conflicts, Conflict{
					ResidentID: r.ID, LegacyPersonID: r.LegacyPersonID,
					Reason: "alias already used as person id by " + holder,
				})
				continue
			}
			next.PersonID = r.LegacyPersonID
			next.LegacyPersonID = ""
			owner[next.PersonID] = r.ID
		default:
			result.Conflicts = append(result.Conflicts, Conflict{
				ResidentID: r.ID, PersonID: r.PersonID, LegacyPersonID: r.LegacyPersonID,
				Reason: "person id and alias differ",
			})
			continue
		}

		if !dryRun {
			if _, err := st.UpdateResident(ctx, next); err != nil {
				log.WithError(err).WithField("resident_id", r.ID).Warn("migrate resident id failed")
				result.Errors = append(result.Errors, RowError{Ref: r.ID, Message: fmt.Sprintf("update resident: %v", err)})
				continue
			}
		}
		if next.PersonID != r.PersonID {
			result.Promoted++
		} else {
			result.Cleared++
		}
	}

	log.WithFields(logrus.Fields{
		"scanned":   result.Scanned,
		"promoted":  result.Promoted,
		"cleared":   result.Cleared,
		"conflicts": len(result.Conflicts),
		"dry_run":   dryRun,
	}).Info("legacy id migration finished")
	return result
}
