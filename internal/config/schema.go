package config

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateConfigMap checks the decoded config map against configSchema.
func validateConfigMap(m map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://config.json", strings.NewReader(configSchema)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://config.json")
	if err != nil {
		return err
	}
	return sch.Validate(m)
}

const configSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "properties":{
    "service":{
      "type":"object",
      "properties":{
        "name":{"type":"string"},
        "backend":{"type":"string","enum":["systemd","process","manual"]},
        "unit":{"type":"string"},
        "command":{"type":"string"},
        "args":{"type":"array","items":{"type":"string"}},
        "pid_file":{"type":"string"},
        "probe":{"type":"string"},
        "stop_timeout":{"type":"string"},
        "start_timeout":{"type":"string"}
      }
    },
    "feed":{
      "type":"object",
      "properties":{
        "url":{"type":"string"}
      }
    },
    "busy":{
      "type":"object",
      "properties":{
        "mode":{"type":"string","enum":["cpu","tasks"]},
        "cpu_threshold":{"type":"number","minimum":0},
        "tasks_url":{"type":"string"},
        "poll_interval":{"type":"string"}
      }
    },
    "snapshot":{
      "type":"object",
      "properties":{
        "paths":{"type":"array","items":{"type":"string"}}
      }
    },
    "verify":{
      "type":"object",
      "properties":{
        "required":{"type":"array","items":{"type":"string"}}
      }
    },
    "notify":{
      "type":"object",
      "properties":{
        "nats_url":{"type":"string"},
        "subject":{"type":"string"}
      }
    }
  }
}`
