package verify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// suiteFile is the YAML shape of a baseline suite. Kept separate from Spec so
// the task-spec JSON wire format and the operator file format can evolve
// independently.
type suiteFile struct {
	Commands []suiteCommand `yaml:"commands"`
	UISmokes []suiteUISmoke `yaml:"uiSmokes"`
}

type suiteCommand struct {
	Command           string   `yaml:"command"`
	Cwd               string   `yaml:"cwd"`
	TimeoutMS         int      `yaml:"timeoutMs"`
	ExpectExitCode    *int     `yaml:"expectExitCode"`
	AssertContains    []string `yaml:"assertContains"`
	AssertNotContains []string `yaml:"assertNotContains"`
	AssertRegex       []string `yaml:"assertRegex"`
}

type suiteUISmoke struct {
	Name    string        `yaml:"name"`
	Service *suiteService `yaml:"service"`
	Steps   []string      `yaml:"steps"`
}

type suiteService struct {
	Command        string `yaml:"command"`
	Cwd            string `yaml:"cwd"`
	ReadyURL       string `yaml:"readyUrl"`
	ReadyTimeoutMS int    `yaml:"readyTimeoutMs"`
}

// LoadSuite reads a baseline verification suite from a YAML file.
func LoadSuite(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}
	var file suiteFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}

	spec := &Spec{}
	for _, c := range file.Commands {
		spec.Commands = append(spec.Commands, Command{
			Command:           c.Command,
			Cwd:               c.Cwd,
			TimeoutMS:         c.TimeoutMS,
			ExpectExitCode:    c.ExpectExitCode,
			AssertContains:    c.AssertContains,
			AssertNotContains: c.AssertNotContains,
			AssertRegex:       c.AssertRegex,
		})
	}
	for _, s := range file.UISmokes {
		smoke := UISmoke{Name: s.Name, Steps: s.Steps}
		if s.Service != nil {
			smoke.Service = &ManagedService{
				Command:        s.Service.Command,
				Cwd:            s.Service.Cwd,
				ReadyURL:       s.Service.ReadyURL,
				ReadyTimeoutMS: s.Service.ReadyTimeoutMS,
			}
		}
		spec.UISmokes = append(spec.UISmokes, smoke)
	}
	return spec, nil
}
