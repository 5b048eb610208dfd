package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/gridscope/geoexport/internal/core/model"
)

// JobFile is the YAML description of a batch export: a defaults block plus a
// job list, one entry per table/output pair.
type JobFile struct {
	Defaults JobDefaults `koanf:"defaults"`
	Jobs     []JobSpec   `koanf:"jobs"`
}

type JobDefaults struct {
	Schema         string `koanf:"schema"`
	GeometryColumn string `koanf:"geometry_column"`
	TargetSRID     int    `koanf:"target_srid"`
	IfExists       string `koanf:"if_exists"`
}

type JobSpec struct {
	Table          string   `koanf:"table"`
	Output         string   `koanf:"output"`
	Schema         string   `koanf:"schema"`
	GeometryColumn string   `koanf:"geometry_column"`
	Columns        []string `koanf:"columns"`
	Where          string   `koanf:"where"`
	Args           []any    `koanf:"args"`
	OrderBy        string   `koanf:"order_by"`
	TargetSRID     int      `koanf:"target_srid"`
	IfExists       string   `koanf:"if_exists"`
	Progress       bool     `koanf:"progress"`
}

// LoadJobs parses and validates a job file.
func LoadJobs(path string) (JobFile, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return JobFile{}, fmt.Errorf("load job file %s: %w", path, err)
	}

	var jf JobFile
	if err := k.Unmarshal("", &jf); err != nil {
		return JobFile{}, fmt.Errorf("parse job file %s: %w", path, err)
	}

	if len(jf.Jobs) == 0 {
		return JobFile{}, fmt.Errorf("job file %s: no jobs defined", path)
	}
	for i, j := range jf.Jobs {
		if j.Table == "" {
			return JobFile{}, fmt.Errorf("job file %s: job %d: table is required", path, i)
		}
		if j.Output == "" {
			return JobFile{}, fmt.Errorf("job file %s: job %d (%s): output is required", path, i, j.Table)
		}
		mode := j.IfExists
		if mode == "" {
			mode = jf.Defaults.IfExists
		}
		if _, err := model.ParseIfExists(mode); err != nil {
			return JobFile{}, fmt.Errorf("job file %s: job %d (%s): %w", path, i, j.Table, err)
		}
	}
	return jf, nil
}

// ExportJobs expands the job list into concrete requests, applying the
// defaults block for fields a job leaves unset.
func (jf JobFile) ExportJobs() []model.ExportJob {
	jobs := make([]model.ExportJob, 0, len(jf.Jobs))
	for _, j := range jf.Jobs {
		req := model.ExportRequest{
			Schema:         pick(j.Schema, jf.Defaults.Schema),
			Table:          j.Table,
			GeometryColumn: pick(j.GeometryColumn, jf.Defaults.GeometryColumn),
			Columns:        j.Columns,
			Where:          j.Where,
			Args:           j.Args,
			OrderBy:        j.OrderBy,
			TargetSRID:     j.TargetSRID,
			ReportProgress: j.Progress,
		}
		if req.TargetSRID == 0 {
			req.TargetSRID = jf.Defaults.TargetSRID
		}
		mode, _ := model.ParseIfExists(pick(j.IfExists, jf.Defaults.IfExists))
		req.IfExists = mode
		jobs = append(jobs, model.ExportJob{Request: req, Output: j.Output})
	}
	return jobs
}

func pick(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
