package nodes

import (
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/workflow"
)

// Register builds a sealed node.Registry carrying every handler this
// package implements, wired against svc. Called once at process startup
// (cmd/chatflow-server and cmd/chatflow-worker).
func Register(svc *Services) *node.Registry {
	reg := node.NewRegistry()

	reg.Register(workflow.NodeStart, StartSchema, NewStart())
	reg.Register(workflow.NodeEnd, EndSchema, NewEnd())
	reg.Register(workflow.NodeAnswer, AnswerSchema, NewAnswer())
	reg.Register(workflow.NodeLLM, LLMSchema, NewLLM(svc))
	reg.Register(workflow.NodeKnowledgeRetrieval, KnowledgeRetrievalSchema, NewKnowledgeRetrieval(svc))
	reg.Register(workflow.NodeIfElse, IfElseSchema, NewIfElse())
	reg.Register(workflow.NodeQuestionClassifier, QuestionClassifierSchema, NewQuestionClassifier(svc))
	reg.Register(workflow.NodeAssigner, AssignerSchema, NewAssigner())
	reg.Register(workflow.NodeTavilySearch, TavilySearchSchema, NewTavilySearch(svc))
	reg.Register(workflow.NodeHTTPRequest, HTTPRequestSchema, NewHTTPRequest(svc))
	reg.Register(workflow.NodeCode, CodeSchema, NewCode())
	reg.Register(workflow.NodeTemplateTransform, TemplateTransformSchema, NewTemplateTransform())

	return reg.Seal()
}
