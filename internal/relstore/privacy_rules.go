package relstore

// SetPrivacyRuleEnabled persists a PII rule family's on/off toggle,
// matching spec.md §3's PrivacyRule entity and the teacher's
// guard.GuardConfig toggle-struct pattern, but stored relationally instead
// of in a user-home JSON file since NescordVault has no per-user config
// directory — everything lives under the one data root.
func (db *DB) SetPrivacyRuleEnabled(name string, enabled bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	v := 0
	if enabled {
		v = 1
	}
	_, err := db.conn.Exec(`
		INSERT INTO privacy_rules (name, enabled) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled`,
		name, v,
	)
	return err
}

// PrivacyRuleOverrides returns the set of rule names with an explicit
// stored preference, and whether each is enabled. Names absent from the
// map fall back to privacy.DefaultRuleSet's built-in default.
func (db *DB) PrivacyRuleOverrides() (map[string]bool, error) {
	rows, err := db.conn.Query(`SELECT name, enabled FROM privacy_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled int
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, err
		}
		out[name] = enabled != 0
	}
	return out, rows.Err()
}
