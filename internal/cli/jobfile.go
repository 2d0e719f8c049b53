package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"trainingjobs/internal/job"
)

// JobFile is the file form of a start request:
//
//	modelType: image
//	dataset: s3://datasets/cats
//	abTesting: true
//	hyperparameters:
//	  learningRate: 0.01
type JobFile struct {
	ModelType       string         `yaml:"modelType"`
	Dataset         string         `yaml:"dataset"`
	ABTesting       bool           `yaml:"abTesting"`
	AutoTuning      bool           `yaml:"autoTuning"`
	Hyperparameters map[string]any `yaml:"hyperparameters,omitempty"`
	RequestToken    string         `yaml:"requestToken,omitempty"`
}

// LoadJobFile reads a job file from path. "-" reads standard input.
func LoadJobFile(path string, stdin io.Reader) (*JobFile, error) {
	if path == "-" {
		return ParseJobFile(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	jf, err := ParseJobFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return jf, nil
}

// ParseJobFile decodes a YAML (or JSON) job file. Unknown keys are rejected so
// a misspelt option is not silently dropped.
func ParseJobFile(r io.Reader) (*JobFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var jf JobFile
	if err := dec.Decode(&jf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("job file is empty")
		}
		return nil, fmt.Errorf("invalid job file: %w", err)
	}
	return &jf, nil
}

// StartRequest converts the file to an API request.
func (f *JobFile) StartRequest() *job.StartRequest {
	return &job.StartRequest{
		Payload: job.Payload{
			ModelType:       f.ModelType,
			Dataset:         f.Dataset,
			ABTesting:       f.ABTesting,
			AutoTuning:      f.AutoTuning,
			Hyperparameters: f.Hyperparameters,
		},
		RequestToken: f.RequestToken,
	}
}

// parseParams turns name=value pairs into hyperparameters. Values that
// parse as JSON (numbers, booleans, arrays, objects) keep their type;
// anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q (want name=value)", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[name] = value
	}
	return params, nil
}
