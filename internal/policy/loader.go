package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SourceInline 标记来自内存数据（而非文件）的快照。
const SourceInline = "inline"

var (
	policyNamePattern  = regexp.MustCompile(`^[A-Za-z0-9._~][A-Za-z0-9._~-]*$`)
	handlerNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// record 对应策略文件中的一条记录；JSON 是 YAML 的子集，两种格式共用同一解析路径。
type record struct {
	Name     string          `yaml:"name" validate:"required,policy_name"`
	In       []handlerRecord `yaml:"in" validate:"dive"`
	Out      []handlerRecord `yaml:"out" validate:"dive"`
	Target   string          `yaml:"target" validate:"required,target_url"`
	Endpoint string          `yaml:"endpoint"`
}

type handlerRecord struct {
	Name   string            `yaml:"name" validate:"required,handler_name"`
	Params map[string]string `yaml:"params"`
	When   string            `yaml:"when"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
	validateErr  error
)

func recordValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		if err := v.RegisterValidation("policy_name", func(fl validator.FieldLevel) bool {
			return policyNamePattern.MatchString(fl.Field().String())
		}); err != nil {
			validateErr = fmt.Errorf("register policy_name validator: %w", err)
			return
		}
		if err := v.RegisterValidation("handler_name", func(fl validator.FieldLevel) bool {
			return handlerNamePattern.MatchString(fl.Field().String())
		}); err != nil {
			validateErr = fmt.Errorf("register handler_name validator: %w", err)
			return
		}
		if err := v.RegisterValidation("target_url", validateTarget); err != nil {
			validateErr = fmt.Errorf("register target_url validator: %w", err)
			return
		}
		validate = v
	})
	return validate, validateErr
}

// validateTarget 要求 target 是带 host 的绝对 http/https 地址。
func validateTarget(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// Load 读取策略文件并构建快照。
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return parse(path, data)
}

// Parse 从内存数据构建快照，主要用于测试与嵌入式配置。
func Parse(data []byte) (*Table, error) {
	return parse(SourceInline, data)
}

func parse(source string, data []byte) (*Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{Source: source, Err: errors.New("policy source is empty")}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var records []record
	if err := dec.Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Source: source, Err: errors.New("policy source is empty")}
		}
		return nil, &ConfigError{Source: source, Err: fmt.Errorf("decode: %w", err)}
	}

	v, err := recordValidator()
	if err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}

	policies := make([]*Policy, 0, len(records))
	for i := range records {
		rec := &records[i]
		if err := v.Struct(rec); err != nil {
			return nil, &ConfigError{Source: source, Err: fmt.Errorf("policy[%d] %s", i, formatValidationErrors(err))}
		}
		p, err := rec.build()
		if err != nil {
			return nil, &ConfigError{Source: source, Err: fmt.Errorf("policy %s: %w", rec.Name, err)}
		}
		policies = append(policies, p)
	}

	table, err := newTable(source, policies)
	if err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}
	return table, nil
}

func (r *record) build() (*Policy, error) {
	in, err := buildChain("in", r.In)
	if err != nil {
		return nil, err
	}
	out, err := buildChain("out", r.Out)
	if err != nil {
		return nil, err
	}
	return &Policy{
		Name:     r.Name,
		Inbound:  in,
		Outbound: out,
		Target:   r.Target,
		Endpoint: r.Endpoint,
	}, nil
}

func buildChain(stage string, records []handlerRecord) ([]HandlerConfig, error) {
	if len(records) == 0 {
		return nil, nil
	}
	chain := make([]HandlerConfig, 0, len(records))
	for i, rec := range records {
		params := make(map[string]string, len(rec.Params))
		for k, v := range rec.Params {
			params[k] = v
		}
		hc := HandlerConfig{Name: rec.Name, Params: params}
		if expr := strings.TrimSpace(rec.When); expr != "" {
			cond, err := CompileCondition(expr)
			if err != nil {
				return nil, fmt.Errorf("%s[%d] %s: %w", stage, i, rec.Name, err)
			}
			hc.When = cond
		}
		chain = append(chain, hc)
	}
	return chain, nil
}

// formatValidationErrors 将 validator 的错误压缩成单行描述。
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.TrimPrefix(e.Namespace(), "record.")
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "policy_name":
			messages = append(messages, fmt.Sprintf("%s %q is not a valid policy name", field, e.Value()))
		case "handler_name":
			messages = append(messages, fmt.Sprintf("%s %q is not a valid handler name", field, e.Value()))
		case "target_url":
			messages = append(messages, fmt.Sprintf("%s %q must be an absolute http(s) url", field, e.Value()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
