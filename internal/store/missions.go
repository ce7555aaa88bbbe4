package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

const stepColumns = `id, mission_id, kind, status, payload, depends_on, persona, claimed_by, result, error, created_at, updated_at`

func scanStep(row pgx.Row) (*models.MissionStep, error) {
	var step models.MissionStep
	err := row.Scan(&step.ID, &step.MissionID, &step.Kind, &step.Status, &step.Payload,
		&step.DependsOn, &step.Persona, &step.ClaimedBy, &step.Result, &step.Error,
		&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// ClaimStep atomically reserves one queued, dependency-satisfied mission step
// for the calling worker. The dependency predicate lives inside the claim
// query itself so there is no race between eligibility check and claim.
func (s *Store) ClaimStep(ctx context.Context, workerID string) (*models.MissionStep, error) {
	query := `
		UPDATE mission_steps SET status = 'running', claimed_by = $1, updated_at = now()
		WHERE id = (
			SELECT st.id FROM mission_steps st
			WHERE st.status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM mission_steps dep
				WHERE dep.id = ANY(st.depends_on) AND dep.status <> 'succeeded'
			  )
			ORDER BY st.created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + stepColumns

	step, err := scanStep(s.pool.QueryRow(ctx, query, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEligibleJob
	}
	if err != nil {
		return nil, fmt.Errorf("claiming step: %w", err)
	}

	// First claimed step moves the mission out of approved.
	_, err = s.pool.Exec(ctx,
		`UPDATE missions SET status = 'running', updated_at = now() WHERE id = $1 AND status = 'approved'`,
		step.MissionID)
	if err != nil {
		return nil, fmt.Errorf("marking mission running: %w", err)
	}

	return step, nil
}

// CompleteStep records a successful step result and finalizes the owning
// mission if every step is now terminal.
func (s *Store) CompleteStep(ctx context.Context, stepID string, result json.RawMessage) error {
	return s.finishStep(ctx, stepID, models.StepSucceeded, result, "")
}

// FailStep records a step failure. Dependents of this step never become
// eligible; the mission finalizes failed once all steps are terminal.
func (s *Store) FailStep(ctx context.Context, stepID string, errMsg string) error {
	return s.finishStep(ctx, stepID, models.StepFailed, nil, errMsg)
}

func (s *Store) finishStep(ctx context.Context, stepID string, status models.StepStatus, result json.RawMessage, errMsg string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var missionID string
		err := tx.QueryRow(ctx,
			`UPDATE mission_steps SET status = $2, result = $3, error = $4, updated_at = now()
			 WHERE id = $1 AND status = 'running'
			 RETURNING mission_id`,
			stepID, status, result, errMsg).Scan(&missionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("step %s is not running", stepID)
		}
		if err != nil {
			return fmt.Errorf("finishing step: %w", err)
		}
		return finalizeMission(ctx, tx, missionID)
	})
}

// finalizeMission writes the mission's terminal status once all steps are
// terminal: failed when at least one step failed, succeeded otherwise.
func finalizeMission(ctx context.Context, tx pgx.Tx, missionID string) error {
	var open, failed int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status NOT IN ('succeeded','failed')),
		        count(*) FILTER (WHERE status = 'failed')
		 FROM mission_steps WHERE mission_id = $1`,
		missionID).Scan(&open, &failed)
	if err != nil {
		return fmt.Errorf("counting mission steps: %w", err)
	}
	if open > 0 {
		return nil
	}

	status := models.MissionSucceeded
	if failed > 0 {
		status = models.MissionFailed
	}
	_, err = tx.Exec(ctx,
		`UPDATE missions SET status = $2, updated_at = now() WHERE id = $1 AND status NOT IN ('succeeded','failed')`,
		missionID, status)
	if err != nil {
		return fmt.Errorf("finalizing mission: %w", err)
	}
	return nil
}

// InsertProposal stores an accepted proposal row.
func (s *Store) InsertProposal(ctx context.Context, p *models.Proposal) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshalling proposal steps: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO proposals (id, persona, title, description, steps, source, status, auto_approved, mission_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		p.ID, p.Persona, p.Title, p.Description, steps, p.Source, p.Status, p.AutoApproved, p.MissionID)
	if err != nil {
		return fmt.Errorf("inserting proposal: %w", err)
	}
	return nil
}

// ApproveProposal marks the proposal accepted and materializes its mission
// with one step row per proposed step, in submission order, in a single
// transaction. A proposal converts to at most one mission; a second approval
// attempt fails on the status guard. Missions created with zero steps are
// immediately marked failed rather than left dangling.
func (s *Store) ApproveProposal(ctx context.Context, p *models.Proposal, autoApproved bool) (*models.Mission, error) {
	mission := &models.Mission{
		ID:         uuid.NewString(),
		Title:      p.Title,
		Status:     models.MissionApproved,
		ProposalID: p.ID,
		Persona:    p.Persona,
	}
	if len(p.Steps) == 0 {
		mission.Status = models.MissionFailed
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE proposals SET status = 'accepted', auto_approved = $2, mission_id = $3 WHERE id = $1 AND status = 'pending'`,
			p.ID, autoApproved, mission.ID)
		if err != nil {
			return fmt.Errorf("accepting proposal: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("proposal %s is not pending", p.ID)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO missions (id, title, status, proposal_id, persona) VALUES ($1, $2, $3, $4, $5)`,
			mission.ID, mission.Title, mission.Status, mission.ProposalID, mission.Persona)
		if err != nil {
			return fmt.Errorf("inserting mission: %w", err)
		}

		// Index-based proposal dependencies become step-ID references.
		stepIDs := make([]string, len(p.Steps))
		for i := range p.Steps {
			stepIDs[i] = uuid.NewString()
		}
		for i, ps := range p.Steps {
			deps := make([]string, 0, len(ps.DependsOn))
			for _, idx := range ps.DependsOn {
				if idx < 0 || idx >= len(stepIDs) || idx == i {
					return fmt.Errorf("step %d has invalid dependency index %d", i, idx)
				}
				deps = append(deps, stepIDs[idx])
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO mission_steps (id, mission_id, kind, status, payload, depends_on, persona, created_at, updated_at)
				 VALUES ($1, $2, $3, 'queued', $4, $5, $6, now() + ($7 * interval '1 microsecond'), now())`,
				stepIDs[i], mission.ID, ps.Kind, ps.Payload, deps, p.Persona, i)
			if err != nil {
				return fmt.Errorf("inserting step %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mission, nil
}

// startOfUTCDay is the predicate anchor for the gate's daily ceilings.
const startOfUTCDay = `date_trunc('day', now() AT TIME ZONE 'utc') AT TIME ZONE 'utc'`

// CountProposalsToday counts proposals the persona submitted since UTC midnight.
func (s *Store) CountProposalsToday(ctx context.Context, persona string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM proposals WHERE persona = $1 AND created_at >= `+startOfUTCDay,
		persona).Scan(&n)
	return n, err
}

// CountActiveMissions counts missions that are not yet terminal.
func (s *Store) CountActiveMissions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM missions WHERE status IN ('approved','running')`).Scan(&n)
	return n, err
}

// CountStepsToday counts mission steps created for the persona since UTC midnight.
func (s *Store) CountStepsToday(ctx context.Context, persona string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM mission_steps WHERE persona = $1 AND created_at >= `+startOfUTCDay,
		persona).Scan(&n)
	return n, err
}

// CountDraftsToday counts content-drafting steps created since UTC midnight,
// across all personas.
func (s *Store) CountDraftsToday(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM mission_steps WHERE kind = $1 AND created_at >= `+startOfUTCDay,
		models.StepDraftPost).Scan(&n)
	return n, err
}

// GetMission fetches one mission.
func (s *Store) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	var m models.Mission
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, proposal_id, persona, created_at, updated_at FROM missions WHERE id = $1`,
		id).Scan(&m.ID, &m.Title, &m.Status, &m.ProposalID, &m.Persona, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching mission %s: %w", id, err)
	}
	return &m, nil
}

// ListMissionSteps returns a mission's steps in creation order.
func (s *Store) ListMissionSteps(ctx context.Context, missionID string) ([]*models.MissionStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM mission_steps WHERE mission_id = $1 ORDER BY created_at`,
		missionID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.MissionStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
