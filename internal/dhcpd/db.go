// Package dhcpd — on-disk database for the lease table.

package dhcpd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/renameio/v2/maybe"
)

// dataFilename is the default lease database filename, used when
// Config.LeaseFile is empty.
const dataFilename = "leases.json"

// dataVersion is the current version of the stored DHCP leases structure.
const dataVersion = 1

// defaultPermFile is the permission mode used for the lease database file.
const defaultPermFile = 0o644

// dataLeases is the structure of the stored DHCP leases database.
type dataLeases struct {
	Version     int                `json:"version"`
	Leases      []*dbLease         `json:"leases"`
	Declined    []*dbDeclinedEntry `json:"declined"`
}

// dbLease is the on-disk representation of a Lease.
type dbLease struct {
	Expiry   string     `json:"expires"`
	IP       netip.Addr `json:"ip"`
	Hostname string     `json:"hostname"`
	HWAddr   string     `json:"mac"`
	ClientID string     `json:"client_id,omitempty"`
	Subnet   string     `json:"subnet"`
	IsStatic bool       `json:"static"`
}

// dbDeclinedEntry is the on-disk representation of a DeclinedEntry.
type dbDeclinedEntry struct {
	Subnet      string     `json:"subnet"`
	IP          netip.Addr `json:"ip"`
	DeclinedAt  time.Time  `json:"declined_at"`
	QuarantineT time.Time  `json:"quarantine_until"`
}

// fromLease converts *Lease to *dbLease.
func fromLease(l *Lease) (dl *dbLease) {
	var expiryStr string
	if !l.IsStatic() {
		// The front-end is waiting for RFC 3339 format of the time value.
		// It also shouldn't get an Expiry field for static leases.
		expiryStr = l.Expiry.Format(time.RFC3339)
	}

	return &dbLease{
		Expiry:   expiryStr,
		Hostname: l.Hostname,
		HWAddr:   l.HWAddr.String(),
		IP:       l.IP,
		ClientID: l.ClientID,
		Subnet:   l.Subnet,
		IsStatic: l.IsStatic(),
	}
}

// toLease converts *dbLease to *Lease.
func (dl *dbLease) toLease() (l *Lease, err error) {
	mac, err := net.ParseMAC(dl.HWAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing hardware address: %w", err)
	}

	expiry := time.Time{}
	if dl.IsStatic {
		expiry = time.Unix(leaseExpireStatic, 0)
	} else {
		expiry, err = time.Parse(time.RFC3339, dl.Expiry)
		if err != nil {
			return nil, fmt.Errorf("parsing expiry time: %w", err)
		}
	}

	return &Lease{
		Expiry:   expiry,
		IP:       dl.IP,
		Hostname: dl.Hostname,
		HWAddr:   mac,
		ClientID: dl.ClientID,
		Subnet:   dl.Subnet,
		State:    LeaseStateBound,
	}, nil
}

// dbLoad loads the stored leases and declined entries from path into store.
func dbLoad(path string, store *LeaseStore, logger *slogutil.Logger) (err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("reading db: %w", err)
	}

	dl := &dataLeases{}
	if err = json.Unmarshal(data, dl); err != nil {
		return fmt.Errorf("decoding db: %w", err)
	}

	leases := make([]*Lease, 0, len(dl.Leases))
	for _, stored := range dl.Leases {
		l, convErr := stored.toLease()
		if convErr != nil {
			logger.Info("skipping invalid stored lease", "error", convErr)

			continue
		}

		leases = append(leases, l)
	}

	if err = store.ResetLeases(leases); err != nil {
		return fmt.Errorf("resetting leases: %w", err)
	}

	for _, d := range dl.Declined {
		if d.QuarantineT.Before(store.clock.Now()) {
			continue
		}

		store.mu.Lock()
		store.declined[ipKey(d.Subnet, d.IP)] = &DeclinedEntry{
			IP:          d.IP,
			DeclinedAt:  d.DeclinedAt,
			QuarantineT: d.QuarantineT,
		}
		store.mu.Unlock()
	}

	logger.Info("loaded leases from db", "count", len(leases))

	return nil
}

// dbStore writes store's current leases and declined entries to path,
// atomically.
func dbStore(path string, store *LeaseStore, logger *slogutil.Logger) (err error) {
	leases := make([]*dbLease, 0)
	for _, l := range store.AllLeases() {
		leases = append(leases, fromLease(l))
	}

	store.mu.Lock()
	declined := make([]*dbDeclinedEntry, 0, len(store.declined))
	for key, d := range store.declined {
		declined = append(declined, &dbDeclinedEntry{
			Subnet:      key[:strings.LastIndex(key, "/")],
			IP:          d.IP,
			DeclinedAt:  d.DeclinedAt,
			QuarantineT: d.QuarantineT,
		})
	}
	store.mu.Unlock()

	return writeDB(path, leases, declined, logger)
}

// writeDB writes leases and declined to path, using a temp-file-then-rename
// for crash safety.
func writeDB(path string, leases []*dbLease, declined []*dbDeclinedEntry, logger *slogutil.Logger) (err error) {
	defer func() { err = errors.Annotate(err, "writing db: %w") }()

	slices.SortFunc(leases, func(a, b *dbLease) (res int) {
		return strings.Compare(a.Hostname, b.Hostname)
	})

	dl := &dataLeases{
		Version:  dataVersion,
		Leases:   leases,
		Declined: declined,
	}

	buf, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	if err = maybe.WriteFile(path, buf, defaultPermFile); err != nil {
		return err
	}

	logger.Info("stored leases in db", "count", len(leases), "path", path)

	return nil
}
