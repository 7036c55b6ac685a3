package gormstore

import (
	"context"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) SaveJob(ctx context.Context, job *model.Job) error {
	if job.ID == 0 {
		job.ID = model.NextID()
	}
	m := toJobPO(job)
	if err := s.q(ctx).Save(&m).Error; err != nil {
		return err
	}
	job.CreatedAt, job.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

func (s *Store) GetJob(ctx context.Context, namespace string, id int64) (*model.Job, error) {
	var m jobPO
	if err := s.q(ctx).Where("namespace = ? AND id = ?", namespace, id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return fromJobPO(m), nil
}

func (s *Store) ListJobs(ctx context.Context, namespace string) ([]model.Job, error) {
	var list []jobPO
	if err := s.q(ctx).Where("namespace = ?", namespace).Order("id").Find(&list).Error; err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(list))
	for _, m := range list {
		out = append(out, *fromJobPO(m))
	}
	return out, nil
}

func (s *Store) DeleteJob(ctx context.Context, namespace string, id int64) error {
	return s.q(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("namespace = ? AND id = ?", namespace, id).Delete(&jobPO{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		for _, m := range []any{&httpJobPO{}, &funcJobPO{}, &scriptJobPO{}, &shellJobPO{}} {
			if err := tx.Where("job_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("namespace = ? AND job_id = ?", namespace, id).Delete(&triggerPO{}).Error
	})
}

func (s *Store) GetJobRunCount(ctx context.Context, namespace string, id int64) (int64, error) {
	var m jobPO
	err := s.q(ctx).Select("run_count").Where("namespace = ? AND id = ?", namespace, id).First(&m).Error
	if err != nil {
		return 0, notFound(err)
	}
	return m.RunCount, nil
}

func (s *Store) IncrJobRunCount(ctx context.Context, namespace string, id int64) (int64, error) {
	var n int64
	err := s.q(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobPO{}).Where("namespace = ? AND id = ?", namespace, id).
			UpdateColumn("run_count", gorm.Expr("run_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		var m jobPO
		if err := tx.Select("run_count").Where("id = ?", id).First(&m).Error; err != nil {
			return err
		}
		n = m.RunCount
		return nil
	})
	return n, err
}

func (s *Store) UpdateJobData(ctx context.Context, namespace string, id int64, data model.JobData) error {
	res := s.q(ctx).Model(&jobPO{}).Where("namespace = ? AND id = ?", namespace, id).
		Update("job_data", datatypes.JSONMap(data.Clone()))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// upsert 以主键冲突更新全部列。
func (s *Store) upsert(ctx context.Context, v any) error {
	return s.q(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}

func (s *Store) SaveHTTPJob(ctx context.Context, p *model.HTTPJob) error {
	m := httpJobPO{JobID: p.JobID, Method: p.Method, URL: p.URL, Headers: datatypes.NewJSONType(p.Headers),
		Body: p.Body, SuccessCheck: p.SuccessCheck, TimeoutSeconds: p.TimeoutSeconds}
	return s.upsert(ctx, &m)
}

func (s *Store) GetHTTPJob(ctx context.Context, jobID int64) (*model.HTTPJob, error) {
	var m httpJobPO
	if err := s.q(ctx).Where("job_id = ?", jobID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &model.HTTPJob{JobID: m.JobID, Method: m.Method, URL: m.URL, Headers: m.Headers.Data(), Body: m.Body,
		SuccessCheck: m.SuccessCheck, TimeoutSeconds: m.TimeoutSeconds}, nil
}

func (s *Store) SaveFuncJob(ctx context.Context, p *model.FuncJob) error {
	return s.upsert(ctx, &funcJobPO{JobID: p.JobID, FuncName: p.FuncName})
}

func (s *Store) GetFuncJob(ctx context.Context, jobID int64) (*model.FuncJob, error) {
	var m funcJobPO
	if err := s.q(ctx).Where("job_id = ?", jobID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &model.FuncJob{JobID: m.JobID, FuncName: m.FuncName}, nil
}

func (s *Store) SaveScriptJob(ctx context.Context, p *model.ScriptJob) error {
	return s.upsert(ctx, &scriptJobPO{JobID: p.JobID, Content: p.Content, ReadOnly: p.ReadOnly})
}

func (s *Store) GetScriptJob(ctx context.Context, jobID int64) (*model.ScriptJob, error) {
	var m scriptJobPO
	if err := s.q(ctx).Where("job_id = ?", jobID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &model.ScriptJob{JobID: m.JobID, Content: m.Content, ReadOnly: m.ReadOnly}, nil
}

func (s *Store) SaveShellJob(ctx context.Context, p *model.ShellJob) error {
	return s.upsert(ctx, &shellJobPO{JobID: p.JobID, ShellType: p.ShellType, Content: p.Content, Charset: p.Charset,
		TimeoutSeconds: p.TimeoutSeconds})
}

func (s *Store) GetShellJob(ctx context.Context, jobID int64) (*model.ShellJob, error) {
	var m shellJobPO
	if err := s.q(ctx).Where("job_id = ?", jobID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &model.ShellJob{JobID: m.JobID, ShellType: m.ShellType, Content: m.Content, Charset: m.Charset,
		TimeoutSeconds: m.TimeoutSeconds}, nil
}

func toJobPO(j *model.Job) jobPO {
	return jobPO{
		ID: j.ID, Namespace: j.Namespace, Name: j.Name, Type: j.Type, MaxReentry: j.MaxReentry,
		AllowConcurrent: j.AllowConcurrent, MaxRetryCount: j.MaxRetryCount, RouteStrategy: j.RouteStrategy,
		FirstInstances:     datatypes.NewJSONSlice(j.FirstInstances),
		WhitelistInstances: datatypes.NewJSONSlice(j.WhitelistInstances),
		BlacklistInstances: datatypes.NewJSONSlice(j.BlacklistInstances),
		LoadBalance:        j.LoadBalance, IsUpdateData: j.IsUpdateData, JobData: datatypes.JSONMap(j.JobData.Clone()),
		RunCount: j.RunCount, Disable: j.Disable, Description: j.Description, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func fromJobPO(m jobPO) *model.Job {
	return &model.Job{
		ID: m.ID, Namespace: m.Namespace, Name: m.Name, Type: m.Type, MaxReentry: m.MaxReentry,
		AllowConcurrent: m.AllowConcurrent, MaxRetryCount: m.MaxRetryCount, RouteStrategy: m.RouteStrategy,
		FirstInstances: []string(m.FirstInstances), WhitelistInstances: []string(m.WhitelistInstances),
		BlacklistInstances: []string(m.BlacklistInstances), LoadBalance: m.LoadBalance, IsUpdateData: m.IsUpdateData,
		JobData: model.JobData(m.JobData), RunCount: m.RunCount, Disable: m.Disable, Description: m.Description,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}
