package postgres

import (
	"context"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
)

// SiteSettings returns the site allocation settings. The first row wins when
// several exist.
func (s *Store) SiteSettings(ctx context.Context) ([]model.SiteSetting, error) {
	rows, err := s.pool.Query(ctx, `select mode, ceiling_kw from site_settings order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SiteSetting
	for rows.Next() {
		var st model.SiteSetting
		if err := rows.Scan(&st.Mode, &st.CeilingKW); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AppendAuditLog persists one raw frame entry.
func (s *Store) AppendAuditLog(ctx context.Context, e store.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		insert into audit_log (id, cpid, cpsn, raw, direction, ts)
		values ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.CPID, e.CPSN, e.Raw, string(e.Direction), e.Timestamp)
	return err
}
