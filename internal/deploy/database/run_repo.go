package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
)

// RunRepo 部署历史数据访问层
type RunRepo struct {
	db *sql.DB
}

// NewRunRepo 创建部署历史仓库
func NewRunRepo(db *Database) *RunRepo {
	return &RunRepo{
		db: db.GetDB(),
	}
}

// InsertRun 写入一次运行的汇总；重复写入同一 run_id 时更新计数
func (r *RunRepo) InsertRun(ctx context.Context, run model.RunSummary) error {
	query := `
		INSERT INTO deploy_runs (run_id, kind, dry_run, total_sites, succeeded, failed, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			total_sites = EXCLUDED.total_sites,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			finished_at = EXCLUDED.finished_at
	`
	_, err := r.db.ExecContext(ctx, query,
		run.RunID, string(run.Kind), run.DryRun, run.TotalSites, run.Succeeded, run.Failed, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}
	return nil
}

// InsertSiteResult 写入单个站点的结果
func (r *RunRepo) InsertSiteResult(ctx context.Context, res *model.SiteDeployResult) error {
	steps, err := encodeSteps(res.Steps)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO deploy_site_results
			(run_id, site_name, overall_status, failed_step, error, rollback, steps, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		res.RunID, res.SiteName, string(res.OverallStatus), string(res.FailedStep), res.Error, res.Rollback,
		steps, res.StartedAt, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert result for %s: %w", res.SiteName, err)
	}
	return nil
}

// ListRuns 按开始时间倒序列出最近的运行
func (r *RunRepo) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT run_id, kind, dry_run, total_sites, succeeded, failed, started_at, finished_at
		FROM deploy_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var run model.RunSummary
		var kind string
		if err := rows.Scan(&run.RunID, &kind, &run.DryRun, &run.TotalSites, &run.Succeeded, &run.Failed, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Kind = model.RunKind(kind)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListSiteResults 列出某次运行的所有站点结果
func (r *RunRepo) ListSiteResults(ctx context.Context, runID string) ([]*model.SiteDeployResult, error) {
	query := `
		SELECT run_id, site_name, overall_status, failed_step, error, rollback, steps, started_at, finished_at
		FROM deploy_site_results
		WHERE run_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results of %s: %w", runID, err)
	}
	defer rows.Close()

	var results []*model.SiteDeployResult
	for rows.Next() {
		res := new(model.SiteDeployResult)
		var status, failedStep string
		var steps []byte
		if err := rows.Scan(&res.RunID, &res.SiteName, &status, &failedStep, &res.Error, &res.Rollback, &steps, &res.StartedAt, &res.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.OverallStatus = model.OverallStatus(status)
		res.FailedStep = model.StepKind(failedStep)
		if res.Steps, err = decodeSteps(steps); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

func encodeSteps(steps []model.StepResult) ([]byte, error) {
	if steps == nil {
		steps = []model.StepResult{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	return b, nil
}

func decodeSteps(b []byte) ([]model.StepResult, error) {
	var steps []model.StepResult
	if len(b) == 0 {
		return steps, nil
	}
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	return steps, nil
}
