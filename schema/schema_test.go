package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasmira-labs/chatflow/workflow"
)

func TestValidateNodeConfig_LLMAccepted(t *testing.T) {
	err := ValidateNodeConfig(workflow.NodeLLM, map[string]interface{}{
		"model":       "gpt-4o",
		"temperature": 0.3,
		"max_tokens":  512,
	})
	require.NoError(t, err)
}

func TestValidateNodeConfig_LLMRejectsOutOfRangeTemperature(t *testing.T) {
	err := ValidateNodeConfig(workflow.NodeLLM, map[string]interface{}{
		"temperature": 5,
	})
	assert.Error(t, err)
}

func TestValidateNodeConfig_AnswerRequiresTemplate(t *testing.T) {
	err := ValidateNodeConfig(workflow.NodeAnswer, map[string]interface{}{})
	assert.Error(t, err)

	err = ValidateNodeConfig(workflow.NodeAnswer, map[string]interface{}{"template": "{{ self.response }}"})
	assert.NoError(t, err)
}

func TestValidateNodeConfig_IfElseRequiresCases(t *testing.T) {
	err := ValidateNodeConfig(workflow.NodeIfElse, map[string]interface{}{
		"cases": []interface{}{
			map[string]interface{}{
				"case_id": "case_a",
				"conditions": []interface{}{
					map[string]interface{}{"variable_selector": "sys.user_message", "comparison_operator": "="},
				},
			},
		},
	})
	require.NoError(t, err)

	err = ValidateNodeConfig(workflow.NodeIfElse, map[string]interface{}{})
	assert.Error(t, err)
}

func TestValidateNodeConfig_UnknownNodeTypeAccepted(t *testing.T) {
	err := ValidateNodeConfig(workflow.NodeType("custom-widget"), map[string]interface{}{"anything": true})
	assert.NoError(t, err)
}

func TestValidateGraph(t *testing.T) {
	err := ValidateGraph(map[string]interface{}{
		"nodes": []interface{}{map[string]interface{}{"id": "start", "type": "start"}},
		"edges": []interface{}{},
	})
	require.NoError(t, err)

	err = ValidateGraph(map[string]interface{}{"nodes": []interface{}{}})
	assert.Error(t, err)
}
