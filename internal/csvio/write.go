package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"dissolve/api/internal/store"
)

var (
	ResidentRosterHeader = []string{"person_id", "Occupant First Name", "Occupant Last Name", "Street", "City", "State", "Zip", "address_id", "Contact Email"}
	ConsentRosterHeader  = []string{"First Name", "Last Name", "Street", "City", "State", "Zip", "person_id", "address_id", "Deed", "submission_id"}
)

// WriteResidentRoster writes one line per resident, joined with its address.
func WriteResidentRoster(w io.Writer, residents []store.Resident, addresses []store.Address) error {
	byID := indexAddresses(addresses)
	sorted := append([]store.Resident(nil), residents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessResident(sorted[i], sorted[j])
	})

	lines := make([][]string, 0, len(sorted))
	for _, r := range sorted {
		a := byID[r.AddressID]
		lines = append(lines, []string{
			r.PersonID, r.FirstName, r.LastName, a.Street, a.City, a.State, a.Zip, r.AddressID, r.ContactEmail,
		})
	}
	return writeAll(w, ResidentRosterHeader, lines)
}

// WriteConsentRoster writes one line per consent whose resident still exists.
func WriteConsentRoster(w io.Writer, consents []store.Consent, residents []store.Resident, addresses []store.Address) error {
	byAddress := indexAddresses(addresses)
	byResident := make(map[string]store.Resident, len(residents))
	for _, r := range residents {
		byResident[r.ID] = r
	}

	type entry struct {
		consent  store.Consent
		resident store.Resident
	}
	entries := make([]entry, 0, len(consents))
	for _, c := range consents {
		r, ok := byResident[c.ResidentID]
		if !ok {
			continue
		}
		entries = append(entries, entry{consent: c, resident: r})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].resident.ID == entries[j].resident.ID {
			return entries[i].consent.ID < entries[j].consent.ID
		}
		return lessResident(entries[i].resident, entries[j].resident)
	})

	lines := make([][]string, 0, len(entries))
	for _, e := range entries {
		addressID := e.consent.AddressID
		if addressID == "" {
			addressID = e.resident.AddressID
		}
		a := byAddress[addressID]
		lines = append(lines, []string{
			e.resident.FirstName, e.resident.LastName, a.Street, a.City, a.State, a.Zip,
			e.resident.PersonID, addressID, a.DeedHolder, e.consent.SubmissionID,
		})
	}
	return writeAll(w, ConsentRosterHeader, lines)
}

// ComparePersonIDs orders numeric ids numerically, ahead of non-numeric ids,
// which compare lexicographically.
func ComparePersonIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func lessResident(a, b store.Resident) bool {
	if c := ComparePersonIDs(a.PersonID, b.PersonID); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func indexAddresses(addresses []store.Address) map[string]store.Address {
	byID := make(map[string]store.Address, len(addresses))
	for _, a := range addresses {
		byID[a.ID] = a
	}
	return byID
}

func writeAll(w io.Writer, header []string, lines [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(lines); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}
