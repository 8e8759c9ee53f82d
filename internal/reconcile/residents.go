package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"dissolve/api/internal/csvio"
	"dissolve/api/internal/loader"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/normalize"
	"dissolve/api/internal/store"
)

// Resident roster columns, as written by csvio.WriteResidentRoster.
var (
	colRosterPersonID  = []string{"person_id"}
	colRosterFirstName = []string{"Occupant First Name"}
	colRosterLastName  = []string{"Occupant Last Name"}
	colRosterStreet    = []string{"Street"}
	colRosterCity      = []string{"City"}
	colRosterState     = []string{"State"}
	colRosterZip       = []string{"Zip"}
	colRosterAddressID = []string{"address_id"}
	colRosterEmail     = []string{"Contact Email"}
)

type RosterStore interface {
	CreateAddress(ctx context.Context, item store.Address) (store.Address, error)
	CreateResident(ctx context.Context, item store.Resident) (store.Resident, error)
	UpdateResident(ctx context.Context, item store.Resident) (store.Resident, error)
}

type ResidentResult struct {
	Total              int        `json:"total"`
	ResidentsCreated   int        `json:"residentsCreated"`
	ResidentsUpdated   int        `json:"residentsUpdated"`
	ResidentsUnchanged int        `json:"residentsUnchanged"`
	AddressesCreated   int        `json:"addressesCreated"`
	MissingData        int        `json:"missingData"`
	DuplicateInCSV     int        `json:"duplicateInCsv"`
	Errors             []RowError `json:"errors"`
}

// AddressKey is the logical identity of an address: whole-word street
// normalization plus lowercased city. Rows sharing a key are one address.
func AddressKey(street, city string) string {
	return normalize.Street(street) + "|" + strings.ToLower(strings.TrimSpace(city))
}

// ImportResidents upserts the resident roster in table. Addresses resolve by
// address_id, then by AddressKey, and are created when neither matches. A
// resident whose current address already has the row's key keeps it.
// Existing residents only gain values for empty fields and may move address.
func ImportResidents(ctx context.Context, st RosterStore, table csvio.Table, ref loader.Reference, opts Options) (ResidentResult, error) {
	if err := table.Require(colRosterPersonID, colRosterStreet); err != nil {
		return ResidentResult{}, err
	}

	log := logging.FromContext(ctx)
	result := ResidentResult{Total: len(table.Rows), Errors: []RowError{}}

	addressByID := make(map[string]store.Address, len(ref.Addresses))
	addressByKey := make(map[string]store.Address, len(ref.Addresses))
	sortedAddresses := append([]store.Address(nil), ref.Addresses...)
	sort.Slice(sortedAddresses, func(i, j int) bool { return sortedAddresses[i].ID < sortedAddresses[j].ID })
	for _, a := range sortedAddresses {
		addressByID[a.ID] = a
		if _, taken := addressByKey[AddressKey(a.Street, a.City)]; !taken {
			addressByKey[AddressKey(a.Street, a.City)] = a
		}
	}

	matcher := NewMatcher(ref.Residents, ref.Addresses)
	seen := make(map[string]struct{})

	importRow := func(row csvio.Row, personID, street string) error {
		existing, found := matcher.ByPersonID(personID)
		city := row.First(colRosterCity...)
		key := AddressKey(street, city)
		address, ok := addressByID[row.First(colRosterAddressID...)]
		if !ok && found {
			// Duplicate address rows share a key; stay on the current one.
			if current, known := addressByID[existing.AddressID]; known && AddressKey(current.Street, current.City) == key {
				address, ok = current, true
			}
		}
		if !ok {
			address, ok = addressByKey[key]
		}
		if !ok {
			created, err := st.CreateAddress(ctx, store.Address{
				Street: street,
				City:   city,
				State:  row.First(colRosterState...),
				Zip:    row.First(colRosterZip...),
			})
			if err != nil {
				return fmt.Errorf("create address: %w", err)
			}
			address = created
			addressByID[created.ID] = created
			addressByKey[key] = created
			result.AddressesCreated++
		}

		incoming := store.Resident{
			PersonID:     personID,
			FirstName:    row.First(colRosterFirstName...),
			LastName:     row.First(colRosterLastName...),
			AddressID:    address.ID,
			ContactEmail: row.First(colRosterEmail...),
		}
		if !found {
			if _, err := st.CreateResident(ctx, incoming); err != nil {
				return fmt.Errorf("create resident: %w", err)
			}
			result.ResidentsCreated++
			return nil
		}

		merged, changed := mergeResident(existing, incoming)
		if !changed {
			result.ResidentsUnchanged++
			return nil
		}
		if _, err := st.UpdateResident(ctx, merged); err != nil {
			return fmt.Errorf("update resident %s: %w", existing.ID, err)
		}
		result.ResidentsUpdated++
		return nil
	}

	for i, row := range table.Rows {
		personID := row.First(colRosterPersonID...)
		street := row.First(colRosterStreet...)
		_, dup := seen[personID]
		switch {
		case personID == "" || street == "":
			result.MissingData++
		case dup:
			result.DuplicateInCSV++
		default:
			seen[personID] = struct{}{}
			if err := importRow(row, personID, street); err != nil {
				log.WithError(err).WithField("row", row.Line).Warn("resident row failed")
				result.Errors = append(result.Errors, RowError{Row: row.Line, Ref: personID, Message: err.Error()})
			}
		}

		if opts.Progress != nil && opts.ProgressEvery > 0 && (i+1)%opts.ProgressEvery == 0 {
			opts.Progress(i+1, len(table.Rows))
		}
	}

	log.WithFields(logrus.Fields{
		"total":               result.Total,
		"residents_created":   result.ResidentsCreated,
		"residents_updated":   result.ResidentsUpdated,
		"residents_unchanged": result.ResidentsUnchanged,
		"addresses_created":   result.AddressesCreated,
		"errors":              len(result.Errors),
	}).Info("resident import finished")
	return result, nil
}

func mergeResident(existing, incoming store.Resident) (store.Resident, bool) {
	merged := existing
	changed := false
	fill := func(dst *string, value string) {
		if *dst == "" && value != "" {
			*dst = value
			changed = true
		}
	}
	fill(&merged.PersonID, incoming.PersonID)
	fill(&merged.FirstName, incoming.FirstName)
	fill(&merged.LastName, incoming.LastName)
	fill(&merged.ContactEmail, incoming.ContactEmail)
	if incoming.AddressID != "" && merged.AddressID != incoming.AddressID {
		merged.AddressID = incoming.AddressID
		changed = true
	}
	return merged, changed
}
