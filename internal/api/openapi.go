package api

import "github.com/mattjoyce/musebatch/internal/queue"

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the admin routes.
func buildOpenAPIDoc() map[string]any {
	statuses := make([]string, 0, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		statuses = append(statuses, string(st))
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "musebatch admin API",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": operation("healthz", "Liveness and queue depth", false, nil, "200"),
			},
			"/queue": map[string]any{
				"get": operation("queueStatus", "Queue summary with every batch", true, nil, "200"),
			},
			"/queue/clear": map[string]any{
				"post": withParams(
					operation("clearQueue", "Remove batches, optionally only one status", true, nil, "200", "400"),
					[]any{map[string]any{
						"name":   "status",
						"in":     "query",
						"schema": map[string]any{"type": "string", "enum": statuses},
					}},
				),
			},
			"/batches": map[string]any{
				"post": operation("enqueueBatch", "Append a pending batch", true, enqueueSchema(), "201", "400"),
			},
			"/batches/{id}": map[string]any{
				"get":    withParams(operation("getBatch", "One batch", true, nil, "200", "404"), []any{idParam()}),
				"delete": withParams(operation("removeBatch", "Remove one batch", true, nil, "200", "404"), []any{idParam()}),
			},
			"/history": map[string]any{
				"get": operation("runHistory", "Recent runs and per-command averages", true, nil, "200"),
			},
			"/events": map[string]any{
				"get": withParams(
					operation("events", "Server-sent progress events", true, nil, "200"),
					[]any{
						map[string]any{
							"name":        "batch_id",
							"in":          "query",
							"description": "Only events whose payload names this batch",
							"schema":      map[string]any{"type": "string"},
						},
						map[string]any{
							"name":        "type",
							"in":          "query",
							"description": "Comma-separated event types; a trailing . or * matches by prefix",
							"schema":      map[string]any{"type": "string"},
						},
					},
				),
			},
		},
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

func operation(id, summary string, secured bool, body map[string]any, codes ...string) map[string]any {
	responses := map[string]any{}
	for _, c := range codes {
		responses[c] = map[string]any{"description": httpStatusText(c)}
	}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
	}
	if secured {
		responses["401"] = map[string]any{"description": "Missing or invalid token"}
		responses["403"] = map[string]any{"description": "Insufficient scope"}
		op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
	}
	if body != nil {
		op["requestBody"] = map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": body},
			},
		}
	}
	return op
}

func withParams(op map[string]any, params []any) map[string]any {
	op["parameters"] = params
	return op
}

func idParam() map[string]any {
	return map[string]any{
		"name":     "id",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}
}

func enqueueSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"command", "project"},
		"properties": map[string]any{
			"command": map[string]any{
				"type": "string",
				"enum": []string{queue.CommandExploreStyles, queue.CommandExploreNarrative, queue.CommandRefineStyles},
			},
			"project":      map[string]any{"type": "string", "maxLength": 200},
			"parameters":   map[string]any{"type": "object"},
			"full_command": map[string]any{"type": "string"},
		},
	}
}

func httpStatusText(code string) string {
	switch code {
	case "200":
		return "OK"
	case "201":
		return "Created"
	case "400":
		return "Bad request"
	case "404":
		return "Not found"
	}
	return code
}
