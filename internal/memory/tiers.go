package memory

import (
	"database/sql"
	"encoding/json"

	"rlmkernel/internal/errs"
)

// nextTier is the single-step forward path task -> session -> long_term ->
// archive. Promote never skips a tier and never moves an archive node
// (archive is terminal for promotion; only decay may still touch it, though
// decay is a demotion so it never resurrects an archived node either).
var nextTier = map[Tier]Tier{
	TierTask:     TierSession,
	TierSession:  TierLongTerm,
	TierLongTerm: TierArchive,
}

// Promote advances each named node exactly one tier step, recording reason
// in its provenance under "promotion_reason". Promotion is always explicit:
// nothing in Store calls Promote on its own, matching "promote/decay are
// explicit operations, never implicit side effects" (spec.md Design Notes).
func (s *Store) Promote(ids []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Promote", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		var tier string
		if err := tx.QueryRow(`SELECT tier FROM nodes WHERE id = ?`, id).Scan(&tier); err != nil {
			return errs.Wrap(errs.MemoryError, "memory.Promote", err)
		}
		next, ok := nextTier[Tier(tier)]
		if !ok {
			// already at archive (terminal) or an unrecognized tier: no-op
			// rather than an error, so a mixed batch still advances the
			// nodes that can move.
			continue
		}
		if _, err := tx.Exec(`UPDATE nodes SET tier = ? WHERE id = ?`, string(next), id); err != nil {
			return errs.Wrap(errs.MemoryError, "memory.Promote", err)
		}
		if reason != "" {
			if err := appendProvenance(tx, id, "promotion_reason", reason); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Promote", err)
	}
	return nil
}

// Decay multiplies every node's confidence by factor (expected in (0, 1])
// and demotes any node whose resulting confidence drops below
// minConfidence straight to archive, regardless of its current tier. Decay
// only ever lowers confidence, never raises it, and only ever moves a node
// toward archive, never away from it.
func (s *Store) Decay(factor, minConfidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Decay", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, confidence, tier FROM nodes`)
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Decay", err)
	}
	type row struct {
		id         string
		confidence float64
		tier       string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.confidence, &r.tier); err != nil {
			rows.Close()
			return errs.Wrap(errs.MemoryError, "memory.Decay", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Decay", err)
	}

	for _, r := range all {
		newConfidence := r.confidence * factor
		newTier := r.tier
		if newConfidence < minConfidence {
			newTier = string(TierArchive)
		}
		if _, err := tx.Exec(`UPDATE nodes SET confidence = ?, tier = ? WHERE id = ?`, newConfidence, newTier, r.id); err != nil {
			return errs.Wrap(errs.MemoryError, "memory.Decay", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Decay", err)
	}
	return nil
}

// appendProvenance merges a single key/value into a node's provenance JSON
// inside tx, preserving existing keys.
func appendProvenance(tx *sql.Tx, id, key, value string) error {
	var raw sql.NullString
	if err := tx.QueryRow(`SELECT provenance FROM nodes WHERE id = ?`, id).Scan(&raw); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.appendProvenance", err)
	}
	prov := unmarshalProvenance(raw)
	if prov == nil {
		prov = make(map[string]any)
	}
	prov[key] = value
	data, err := json.Marshal(prov)
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.appendProvenance", err)
	}
	if _, err := tx.Exec(`UPDATE nodes SET provenance = ? WHERE id = ?`, string(data), id); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.appendProvenance", err)
	}
	return nil
}
