package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("found %d configuration error(s):\n", len(errs)))
	for i, err := range errs {
		b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Message))
	}
	return b.String()
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateRouter()...)
	errs = append(errs, c.validatePersistent()...)
	errs = append(errs, c.validateRetrieval()...)
	errs = append(errs, c.validateSQLTarget()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateRouter() ValidationErrors {
	var errs ValidationErrors
	for i, rule := range c.Router.Rules {
		if strings.TrimSpace(rule.Phrase) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("router.rules[%d].phrase", i),
				Message: fmt.Sprintf("router rule %d has an empty phrase", i),
			})
		}
		switch strings.ToLower(rule.Category) {
		case "sql", "documents", "hybrid":
		default:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("router.rules[%d].category", i),
				Message: fmt.Sprintf("router rule %d has unknown category %q (want sql, documents or hybrid)", i, rule.Category),
			})
		}
		if rule.Weight < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("router.rules[%d].weight", i),
				Message: fmt.Sprintf("router rule %d has negative weight", i),
			})
		}
	}
	return errs
}

func (c *Config) validatePersistent() ValidationErrors {
	var errs ValidationErrors
	switch c.Persistent.Backend {
	case "", "memory":
	case "disk":
		if c.Persistent.Dir == "" {
			errs = append(errs, ValidationError{
				Field:   "persistent.dir",
				Message: "persistent backend \"disk\" requires a payload directory",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "persistent.backend",
			Message: fmt.Sprintf("unknown persistent backend %q (want disk or memory)", c.Persistent.Backend),
		})
	}
	return errs
}

func (c *Config) validateRetrieval() ValidationErrors {
	var errs ValidationErrors
	switch c.Retrieval.Provider {
	case "", "http":
		// Endpoint may be empty when retrieval is disabled entirely.
	case "milvus":
		if c.Retrieval.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "retrieval.endpoint",
				Message: "milvus retrieval requires an endpoint address",
			})
		}
		if c.Retrieval.Collection == "" {
			errs = append(errs, ValidationError{
				Field:   "retrieval.collection",
				Message: "milvus retrieval requires a collection name",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "retrieval.provider",
			Message: fmt.Sprintf("unknown retrieval provider %q (want http or milvus)", c.Retrieval.Provider),
		})
	}
	return errs
}

func (c *Config) validateSQLTarget() ValidationErrors {
	var errs ValidationErrors
	if c.SQLTarget.DSN == "" && c.SQLTarget.Driver != "" && c.SQLTarget.Driver != "sqlite" {
		errs = append(errs, ValidationError{
			Field:   "sql_target.dsn",
			Message: fmt.Sprintf("sql target driver %q requires a DSN", c.SQLTarget.Driver),
		})
	}
	return errs
}
