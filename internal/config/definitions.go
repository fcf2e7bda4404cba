package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	saga "github.com/grafikui/saga-orchestrator-go"
)

type definitionsFile struct {
	Sagas []struct {
		Name  string                `yaml:"name"`
		Steps []saga.StepDefinition `yaml:"steps"`
	} `yaml:"sagas"`
}

// LoadDefinitions reads and validates saga definitions from a YAML file.
func LoadDefinitions(path string) ([]*saga.SagaDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definitions: %w", err)
	}
	defer f.Close()
	return ParseDefinitions(f)
}

// ParseDefinitions decodes definitions such as:
//
//	sagas:
//	  - name: order
//	    steps:
//	      - participant: credit
//	        forwardCommand: ReserveCredit
//	        compensatingCommand: ReleaseCredit
//	        timeout: 10s
//	        replies: {CreditReserved: SUCCESS, CreditLimitExceeded: FAILURE}
//	        compensationReplies: {CreditReleased: SUCCESS}
func ParseDefinitions(r io.Reader) ([]*saga.SagaDefinition, error) {
	var file definitionsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	if len(file.Sagas) == 0 {
		return nil, fmt.Errorf("decode definitions: no sagas defined")
	}

	defs := make([]*saga.SagaDefinition, 0, len(file.Sagas))
	for _, s := range file.Sagas {
		def, err := saga.NewSagaDefinition(s.Name, s.Steps)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
