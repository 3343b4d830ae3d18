// Package jobconfig decodes the job configuration file kept in a repository.
package jobconfig

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// ErrInvalidConfig is wrapped by every decoding error caused by the file's
// contents rather than its syntax.
var ErrInvalidConfig = errors.New("invalid job configuration")

// jobAliases maps accepted job names to job types.
var jobAliases = map[string]model.JobType{
	"copr_build":          model.JobCoprBuild,
	"build":               model.JobCoprBuild,
	"koji_build":          model.JobKojiBuild,
	"production_build":    model.JobKojiBuild,
	"upstream_koji_build": model.JobKojiBuild,
	"tests":               model.JobTests,
	"propose_downstream":  model.JobSyncRelease,
	"sync_release":        model.JobSyncRelease,
	"vm_image_build":      model.JobVMImage,
}

var triggers = map[string]model.TriggerKind{
	"pull_request": model.TriggerPullRequest,
	"commit":       model.TriggerCommit,
	"release":      model.TriggerRelease,
}

type file struct {
	Jobs []job `yaml:"jobs"`
}

type job struct {
	Job               string     `yaml:"job"`
	Trigger           string     `yaml:"trigger"`
	Identifier        string     `yaml:"identifier"`
	Targets           targetList `yaml:"targets"`
	DistGitBranches   targetList `yaml:"dist_git_branches"`
	Branch            string     `yaml:"branch"`
	Owner             string     `yaml:"owner"`
	Project           string     `yaml:"project"`
	SkipBuild         bool       `yaml:"skip_build"`
	BuildSRPM         bool       `yaml:"build_srpm"`
	ManualTrigger     bool       `yaml:"manual_trigger"`
	ImageType         string     `yaml:"image_type"`
	ImageDistribution string     `yaml:"image_distribution"`
	FmfURL            string     `yaml:"fmf_url"`
	FmfRef            string     `yaml:"fmf_ref"`
	DistGitRepo       string     `yaml:"dist_git_repo"`

	// Metadata is the older nesting of job options; values set directly on
	// the job take precedence.
	Metadata *job `yaml:"metadata"`
}

// targetList accepts a sequence of names, a mapping keyed by name (the keys
// are kept, per-target options are ignored) or a single name.
type targetList []string

func (t *targetList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = targetList{value.Value}
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*t = names
	case yaml.MappingNode:
		names := make([]string, 0, len(value.Content)/2)
		for i := 0; i < len(value.Content); i += 2 {
			names = append(names, value.Content[i].Value)
		}
		*t = names
	default:
		return fmt.Errorf("line %d: targets must be a list or a mapping", value.Line)
	}
	return nil
}

// Decode parses a configuration file into job descriptors in file order. An
// empty file has no jobs.
func Decode(data []byte) ([]model.JobConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse job configuration: %w", err)
	}

	jobs := make([]model.JobConfig, 0, len(f.Jobs))
	var errs []error
	for i, j := range f.Jobs {
		if j.Metadata != nil {
			j = j.withDefaults(*j.Metadata)
		}
		cfg, err := j.config()
		if err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", i+1, err))
			continue
		}
		jobs = append(jobs, cfg)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return jobs, nil
}

func (j job) config() (model.JobConfig, error) {
	jobType, ok := jobAliases[j.Job]
	if !ok {
		return model.JobConfig{}, fmt.Errorf("unknown job type %q", j.Job)
	}
	trigger, ok := triggers[j.Trigger]
	if !ok {
		return model.JobConfig{}, fmt.Errorf("unknown trigger %q", j.Trigger)
	}

	targets := []string(j.Targets)
	if jobType == model.JobSyncRelease && len(j.DistGitBranches) > 0 {
		targets = j.DistGitBranches
	}

	return model.JobConfig{
		Type:        jobType,
		Trigger:     trigger,
		Identifier:  j.Identifier,
		Targets:     targets,
		Branch:      j.Branch,
		Owner:       j.Owner,
		Project:     j.Project,
		SkipBuild:   j.SkipBuild,
		BuildSRPM:   j.BuildSRPM,
		ManualOnly:  j.ManualTrigger,
		ImageType:   j.ImageType,
		Dist:        j.ImageDistribution,
		FmfURL:      j.FmfURL,
		FmfRef:      j.FmfRef,
		DistGitRepo: j.DistGitRepo,
	}, nil
}

// withDefaults fills the job's unset options from meta.
func (j job) withDefaults(meta job) job {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&j.Identifier, meta.Identifier)
	fill(&j.Branch, meta.Branch)
	fill(&j.Owner, meta.Owner)
	fill(&j.Project, meta.Project)
	fill(&j.ImageType, meta.ImageType)
	fill(&j.ImageDistribution, meta.ImageDistribution)
	fill(&j.FmfURL, meta.FmfURL)
	fill(&j.FmfRef, meta.FmfRef)
	fill(&j.DistGitRepo, meta.DistGitRepo)
	if len(j.Targets) == 0 {
		j.Targets = meta.Targets
	}
	if len(j.DistGitBranches) == 0 {
		j.DistGitBranches = meta.DistGitBranches
	}
	j.SkipBuild = j.SkipBuild || meta.SkipBuild
	j.BuildSRPM = j.BuildSRPM || meta.BuildSRPM
	j.ManualTrigger = j.ManualTrigger || meta.ManualTrigger
	return j
}
