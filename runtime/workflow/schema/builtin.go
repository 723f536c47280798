package schema

import (
	"agentflow.dev/agentflow/runtime/workflow"
)

// Default returns the registry covering every built-in node type.
func Default() *Registry {
	return New(
		inputSchema(),
		outputSchema(),
		agentSchema(workflow.TypeClaude, "Claude Agent", claudeModels()),
		agentSchema(workflow.TypeCodex, "Codex Agent", codexModels()),
		conditionSchema(),
		mergeSchema(),
		javascriptSchema(),
		bashSchema(),
		approvalSchema(),
		selfReflectSchema(),
	)
}

// ConditionOperators enumerates the rule operators accepted by condition
// nodes, in evaluation-documentation order.
var ConditionOperators = []Option{
	{Value: "equals"},
	{Value: "not_equals"},
	{Value: "contains"},
	{Value: "not_contains"},
	{Value: "greater_than"},
	{Value: "less_than"},
	{Value: "greater_than_or_equals"},
	{Value: "less_than_or_equals"},
	{Value: "is_empty"},
	{Value: "is_not_empty"},
	{Value: "regex"},
}

func claudeModels() []Option {
	return []Option{
		{Value: "opus", Label: "Claude Opus"},
		{Value: "sonnet", Label: "Claude Sonnet"},
		{Value: "haiku", Label: "Claude Haiku"},
	}
}

func codexModels() []Option {
	return []Option{
		{Value: "gpt-5-codex", Label: "GPT-5 Codex"},
		{Value: "gpt-5", Label: "GPT-5"},
		{Value: "o3", Label: "o3"},
	}
}

func nameProperty() Property {
	return Property{Name: "name", Label: "Name", Type: TypeString, Required: true}
}

func inputSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeInput,
		DisplayName: "Input",
		Description: "Entry point seeded with the user input string.",
		Properties: map[string]Property{
			"name": nameProperty(),
		},
		Outputs:   []Port{{ID: "output"}},
		Deletable: false,
	}
}

func outputSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeOutput,
		DisplayName: "Output",
		Description: "Exit point; its value is the execution's final result.",
		Properties: map[string]Property{
			"name": nameProperty(),
		},
		Inputs:    []Port{{ID: "input"}},
		Deletable: false,
	}
}

func agentSchema(t workflow.NodeType, display string, models []Option) NodeTypeSchema {
	return NodeTypeSchema{
		Type:        t,
		DisplayName: display,
		Properties: map[string]Property{
			"name":             nameProperty(),
			"model":            {Name: "model", Label: "Model", Type: TypeSelect, Options: models, Default: models[0].Value},
			"userQuery":        {Name: "userQuery", Label: "User Query", Type: TypeTextArea, Required: true},
			"systemPrompt":     {Name: "systemPrompt", Label: "System Prompt", Type: TypeTextArea},
			"sessionId":        {Name: "sessionId", Label: "Session ID", Type: TypeString},
			"workingDirectory": {Name: "workingDirectory", Label: "Working Directory", Type: TypeString},
			"timeout":          {Name: "timeout", Label: "Timeout (ms)", Type: TypeNumber},
			"outputSchema":     {Name: "outputSchema", Label: "Output Schema", Type: TypeSchemaBuilder},
			"outputFilePath":   {Name: "outputFilePath", Label: "Output File Path", Type: TypeString, ShowWhen: map[string]any{"outputSchema": "*"}},
			"mcpServers":       {Name: "mcpServers", Label: "MCP Servers", Type: TypeMCPServerSelector},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "output"}},
		Deletable: true,
	}
}

func conditionSchema() NodeTypeSchema {
	rule := Property{
		Name: "rule",
		Type: TypeGroup,
		Properties: map[string]Property{
			"inputReference": {Name: "inputReference", Type: TypeReference, Required: true},
			"operator":       {Name: "operator", Type: TypeSelect, Options: ConditionOperators, Required: true},
			"compareValue":   {Name: "compareValue", Type: TypeString},
		},
	}
	return NodeTypeSchema{
		Type:        workflow.TypeCondition,
		DisplayName: "Condition",
		Properties: map[string]Property{
			"name":           nameProperty(),
			"conditionType":  {Name: "conditionType", Label: "Condition Type", Type: TypeSelect, Options: []Option{{Value: "simple"}, {Value: "expression"}}, Default: "simple"},
			"inputReference": {Name: "inputReference", Label: "Input", Type: TypeReference},
			"operator":       {Name: "operator", Label: "Operator", Type: TypeSelect, Options: ConditionOperators},
			"compareValue":   {Name: "compareValue", Label: "Compare Value", Type: TypeString},
			"rules":          {Name: "rules", Label: "Rules", Type: TypeConditionRules, Items: &rule},
			"combinator":     {Name: "combinator", Label: "Combinator", Type: TypeSelect, Options: []Option{{Value: "and"}, {Value: "or"}}, Default: "and"},
			"expression":     {Name: "expression", Label: "Expression", Type: TypeCode, ShowWhen: map[string]any{"conditionType": "expression"}},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "true"}, {ID: "false"}},
		Deletable: true,
	}
}

func mergeSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeMerge,
		DisplayName: "Merge",
		Properties: map[string]Property{
			"name":     nameProperty(),
			"strategy": {Name: "strategy", Label: "Strategy", Type: TypeSelect, Options: []Option{{Value: "wait-all"}, {Value: "first-complete"}}, Default: "wait-all"},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "output"}},
		Deletable: true,
	}
}

func inputMappingsProperty() Property {
	mapping := Property{
		Name: "mapping",
		Type: TypeGroup,
		Properties: map[string]Property{
			"name":  {Name: "name", Type: TypeString, Required: true},
			"value": {Name: "value", Type: TypeReference, Required: true},
		},
	}
	return Property{Name: "inputMappings", Label: "Input Mappings", Type: TypeArray, Items: &mapping}
}

func javascriptSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeJavaScript,
		DisplayName: "JavaScript",
		Properties: map[string]Property{
			"name":          nameProperty(),
			"code":          {Name: "code", Label: "Code", Type: TypeCode, Required: true},
			"inputMappings": inputMappingsProperty(),
			"timeout":       {Name: "timeout", Label: "Timeout (ms)", Type: TypeNumber},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "output"}},
		Deletable: true,
	}
}

func bashSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeBash,
		DisplayName: "Bash",
		Properties: map[string]Property{
			"name":             nameProperty(),
			"script":           {Name: "script", Label: "Script", Type: TypeCode, Required: true},
			"inputMappings":    inputMappingsProperty(),
			"workingDirectory": {Name: "workingDirectory", Label: "Working Directory", Type: TypeString},
			"timeout":          {Name: "timeout", Label: "Timeout (ms)", Type: TypeNumber},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "output"}},
		Deletable: true,
	}
}

func approvalSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeApproval,
		DisplayName: "Approval",
		Properties: map[string]Property{
			"name":           nameProperty(),
			"promptMessage":  {Name: "promptMessage", Label: "Prompt", Type: TypeTextArea, Required: true},
			"displayData":    {Name: "displayData", Label: "Display Data", Type: TypeReference},
			"feedbackPrompt": {Name: "feedbackPrompt", Label: "Feedback Prompt", Type: TypeString},
			"timeout":        {Name: "timeout", Label: "Timeout (ms)", Type: TypeNumber},
			"timeoutAction":  {Name: "timeoutAction", Label: "On Timeout", Type: TypeSelect, Options: []Option{{Value: "approve"}, {Value: "reject"}, {Value: "fail"}}, Default: "fail"},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "approved"}, {ID: "rejected"}},
		Deletable: true,
	}
}

func selfReflectSchema() NodeTypeSchema {
	return NodeTypeSchema{
		Type:        workflow.TypeSelfReflect,
		DisplayName: "Self Reflect",
		Description: "Asks an agent to propose workflow mutations and optionally applies them.",
		Properties: map[string]Property{
			"name":               nameProperty(),
			"agent":              {Name: "agent", Label: "Agent", Type: TypeSelect, Options: []Option{{Value: "claude-agent"}, {Value: "codex-agent"}}, Default: "claude-agent"},
			"model":              {Name: "model", Label: "Model", Type: TypeSelect, Options: claudeModels(), Default: "sonnet"},
			"reflectionGoal":     {Name: "reflectionGoal", Label: "Reflection Goal", Type: TypeTextArea, Required: true},
			"mode":               {Name: "mode", Label: "Mode", Type: TypeSelect, Options: []Option{{Value: "dry-run"}, {Value: "suggest"}, {Value: "auto-apply"}}, Default: "dry-run"},
			"scope":              {Name: "scope", Label: "Allowed Scope", Type: TypeMultiSelect, Options: []Option{{Value: "prompts"}, {Value: "models"}, {Value: "nodes"}, {Value: "edges"}, {Value: "settings"}, {Value: "config"}}},
			"maxMutations":       {Name: "maxMutations", Label: "Max Mutations", Type: TypeNumber, Default: 5.0},
			"includeTranscripts": {Name: "includeTranscripts", Label: "Include Transcripts", Type: TypeBoolean},
			"timeout":            {Name: "timeout", Label: "Timeout (ms)", Type: TypeNumber},
		},
		Inputs:    []Port{{ID: "input"}},
		Outputs:   []Port{{ID: "output"}},
		Deletable: true,
	}
}
