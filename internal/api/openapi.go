package api

import (
	"fmt"

	"github.com/mattjoyce/provisiond/internal/protocol"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the dispatch and polling routes.
func buildOpenAPIDoc(commands []protocol.Command) map[string]any {
	paths := map[string]any{}

	for _, cmd := range commands {
		paths[fmt.Sprintf("/commands/%s", cmd)] = map[string]any{
			"post": commandOperation(cmd),
		}
	}

	paths["/tasks/{taskID}"] = map[string]any{
		"get": map[string]any{
			"operationId": "getTask",
			"summary":     "Poll the status of a dispatched task",
			"tags":        []string{"tasks"},
			"parameters": []any{map[string]any{
				"name": "taskID", "in": "path", "required": true,
				"schema": map[string]any{"type": "string"},
			}},
			"responses": map[string]any{
				"200": map[string]any{"description": "Task record"},
				"404": map[string]any{"description": "Task not found"},
			},
			"security": bearer(),
		},
	}
	paths["/tasks"] = map[string]any{
		"get": map[string]any{
			"operationId": "listTasks",
			"summary":     "List task records, oldest first",
			"tags":        []string{"tasks"},
			"parameters": []any{map[string]any{
				"name": "status", "in": "query", "required": false,
				"schema": map[string]any{"type": "string", "enum": []string{"pending", "running", "completed", "failed", "timeout"}},
			}},
			"responses": map[string]any{"200": map[string]any{"description": "Task list"}},
			"security":  bearer(),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "provisiond",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func commandOperation(cmd protocol.Command) map[string]any {
	configProps := map[string]any{}
	if cmd == protocol.CommandDestroy {
		configProps["target"] = map[string]any{
			"type":        "string",
			"pattern":     "^[A-Za-z0-9._-]+$",
			"maxLength":   256,
			"description": "Resource address to destroy; the whole workspace when omitted",
		}
	}

	return map[string]any{
		"operationId": fmt.Sprintf("dispatch_%s", cmd),
		"summary":     fmt.Sprintf("Dispatch %s to an executor", cmd),
		"tags":        []string{"commands"},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"config": map[string]any{"type": "object", "properties": configProps},
						},
					},
				},
			},
		},
		"responses": map[string]any{
			"202": map[string]any{"description": "Task pending"},
			"400": map[string]any{"description": "Invalid command or config"},
			"403": map[string]any{"description": "Insufficient scope"},
			"502": map[string]any{"description": "Bus unavailable"},
		},
		"security": bearer(),
	}
}

func bearer() []any {
	return []any{map[string]any{"BearerAuth": []string{}}}
}
