package certcache

import (
	"context"
	"slices"

	"github.com/byu-ilab/onekey/vault"
)

// AccountSummaries lists every cached account with the authenticators that
// appear in its session list.
func (c *Cache) AccountSummaries(ctx context.Context, sess *vault.Session) ([]AccountSummary, error) {
	recs, err := c.accounts(ctx, sess)
	if err != nil {
		return nil, err
	}
	out := make([]AccountSummary, 0, len(recs))
	for _, r := range recs {
		devices := make([]string, 0, len(r.SessionList))
		for _, sl := range r.SessionList {
			devices = append(devices, sl.Authenticator)
		}
		out = append(out, AccountSummary{
			AccountID:   r.AccountID,
			Domain:      r.Domain,
			AccountName: r.AccountName,
			Devices:     devices,
		})
	}
	return out, nil
}

// LoggedInDevices groups live sessions by authenticator. Accounts where a
// device has no sessions are left out, and so are devices left with no
// accounts. Devices appear in the order they are first seen.
func (c *Cache) LoggedInDevices(ctx context.Context, sess *vault.Session) ([]Device, error) {
	recs, err := c.accounts(ctx, sess)
	if err != nil {
		return nil, err
	}
	var out []Device
	pos := make(map[string]int)
	for _, r := range recs {
		for _, sl := range r.SessionList {
			if len(sl.Sessions) == 0 {
				continue
			}
			i, ok := pos[sl.Authenticator]
			if !ok {
				i = len(out)
				pos[sl.Authenticator] = i
				out = append(out, Device{Name: sl.Authenticator})
			}
			out[i].Accounts = append(out[i].Accounts, DeviceAccount{
				AccountID:   r.AccountID,
				AccountName: r.AccountName,
				Domain:      r.Domain,
				Sessions:    slices.Clone(sl.Sessions),
			})
		}
	}
	return out, nil
}
