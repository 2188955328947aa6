package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Manifest is one discovery run written by an external collaborator:
// the experiment, its repositories, resources with properties, the
// connections between them and the findings authored against them.
// Resources are referenced as "type/name", or by bare name when unique.
type Manifest struct {
	Experiment   ExperimentSpec   `yaml:"experiment" json:"experiment"`
	Repositories []RepositorySpec `yaml:"repositories" json:"repositories"`
	Resources    []ResourceSpec   `yaml:"resources" json:"resources"`
	Connections  []ConnectionSpec `yaml:"connections" json:"connections"`
	Findings     []FindingSpec    `yaml:"findings" json:"findings"`

	// baseDir resolves relative repository paths.
	baseDir string
}

type ExperimentSpec struct {
	ID       string `yaml:"id" json:"id" validate:"required,max=200"`
	ParentID string `yaml:"parent_id" json:"parent_id" validate:"omitempty,nefield=ID"`
	Status   string `yaml:"status" json:"status" validate:"omitempty,oneof=running completed failed"`
}

type RepositorySpec struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	// Path, when set, is inspected with git to fill in the remote and the
	// file counts that were left empty.
	Path          string `yaml:"path" json:"path"`
	RemoteURL     string `yaml:"remote_url" json:"remote_url"`
	Kind          string `yaml:"kind" json:"kind" validate:"omitempty,oneof=infrastructure application library"`
	FileCount     int    `yaml:"file_count" json:"file_count" validate:"gte=0"`
	IaCFileCount  int    `yaml:"iac_file_count" json:"iac_file_count" validate:"gte=0"`
	CodeFileCount int    `yaml:"code_file_count" json:"code_file_count" validate:"gte=0"`
}

type ResourceSpec struct {
	Name            string         `yaml:"name" json:"name" validate:"required"`
	Type            string         `yaml:"type" json:"type" validate:"required"`
	Provider        string         `yaml:"provider" json:"provider"`
	Region          string         `yaml:"region" json:"region"`
	Repository      string         `yaml:"repository" json:"repository"`
	Parent          string         `yaml:"parent" json:"parent"`
	SourceFile      string         `yaml:"source_file" json:"source_file"`
	SourceLineStart *int           `yaml:"source_line_start" json:"source_line_start" validate:"omitempty,gte=1"`
	SourceLineEnd   *int           `yaml:"source_line_end" json:"source_line_end" validate:"omitempty,gte=1"`
	Status          string         `yaml:"status" json:"status" validate:"omitempty,oneof=active deleted unknown"`
	Properties      []PropertySpec `yaml:"properties" json:"properties"`
}

// Ref is the "type/name" reference of the resource.
func (r ResourceSpec) Ref() string { return r.Type + "/" + r.Name }

type PropertySpec struct {
	Key              string `yaml:"key" json:"key" validate:"required"`
	Value            string `yaml:"value" json:"value"`
	ValueType        string `yaml:"value_type" json:"value_type" validate:"omitempty,oneof=string int bool json"`
	Category         string `yaml:"category" json:"category" validate:"omitempty,oneof=security network identity compute storage general"`
	SecurityRelevant bool   `yaml:"security_relevant" json:"security_relevant"`
}

type ConnectionSpec struct {
	Source     string `yaml:"source" json:"source" validate:"required"`
	Target     string `yaml:"target" json:"target" validate:"required"`
	Type       string `yaml:"type" json:"type" validate:"required"`
	Protocol   string `yaml:"protocol" json:"protocol"`
	Port       *int   `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	AuthMethod string `yaml:"auth_method" json:"auth_method"`
}

type FindingSpec struct {
	Title         string `yaml:"title" json:"title" validate:"required"`
	Description   string `yaml:"description" json:"description"`
	Category      string `yaml:"category" json:"category"`
	Resource      string `yaml:"resource" json:"resource"`
	SeverityScore *int   `yaml:"severity_score" json:"severity_score" validate:"omitempty,min=1,max=10"`
	BaseSeverity  string `yaml:"base_severity" json:"base_severity"`
	OverallScore  string `yaml:"overall_score" json:"overall_score"`
	Evidence      string `yaml:"evidence" json:"evidence"`
	SourceFile    string `yaml:"source_file" json:"source_file"`
	DocumentPath  string `yaml:"document_path" json:"document_path"`
	Status        string `yaml:"status" json:"status" validate:"omitempty,oneof=open fixed accepted false_positive"`
	Source        string `yaml:"source" json:"source" validate:"omitempty,oneof=cloud code repository"`
}

// LoadManifest reads a YAML or JSON manifest. The format follows the file
// extension; anything but .json is read as YAML.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	m.baseDir = filepath.Dir(path)
	return m, nil
}

// ParseManifest decodes manifest bytes.
func ParseManifest(data []byte, isJSON bool) (*Manifest, error) {
	var m Manifest
	if isJSON {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// newValidator returns the validator used for manifest records.
func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// describe flattens validation errors into one readable line.
func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
