package routes

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-agent/offline-agent/internal/background"
	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
)

// RegisterAgentRoutes 暴露 /-/agent 诊断接口与 SKIP_WAITING 控制命令。
func RegisterAgentRoutes(app *fiber.App, agent *lifecycle.Agent, ns *cache.Namespace, group *background.Group) {
	if app == nil || agent == nil || ns == nil {
		return
	}

	app.Get("/-/agent", func(c fiber.Ctx) error {
		payload := encodeAgent(agent, group)
		if gen := agent.Generation(); gen != nil {
			keys, err := gen.Keys(c.Context())
			if err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
			}
			payload.Entries = len(keys)
		}
		return c.JSON(payload)
	})

	app.Get("/-/generations", func(c fiber.Ctx) error {
		owned, err := ns.Owned(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(fiber.Map{
			"prefix":      ns.Prefix(),
			"generations": encodeGenerations(owned, agent.Release().CacheName),
		})
	})

	app.Post("/-/agent/messages", func(c fiber.Ctx) error {
		var msg lifecycle.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if err := agent.HandleMessage(c.Context(), msg); err != nil {
			if errors.Is(err, lifecycle.ErrUnknownMessage) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed", "detail": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(encodeAgent(agent, group))
	})
}

type agentPayload struct {
	State       string             `json:"state"`
	Version     string             `json:"version"`
	Generation  string             `json:"generation"`
	Scope       string             `json:"scope"`
	Controlling bool               `json:"controlling"`
	Clients     int                `json:"clients"`
	Assets      int                `json:"assets"`
	Entries     int                `json:"entries"`
	Background  *backgroundPayload `json:"background,omitempty"`
}

type backgroundPayload struct {
	InFlight int   `json:"in_flight"`
	Dropped  int64 `json:"dropped"`
}

type generationPayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

func encodeAgent(agent *lifecycle.Agent, group *background.Group) agentPayload {
	release := agent.Release()
	payload := agentPayload{
		State:       agent.State().String(),
		Version:     release.Version,
		Generation:  release.CacheName,
		Scope:       release.Scope,
		Controlling: agent.Controlling(),
		Clients:     agent.Clients(),
		Assets:      len(release.Assets),
	}
	if group != nil {
		payload.Background = &backgroundPayload{
			InFlight: group.InFlight(),
			Dropped:  group.Dropped(),
		}
	}
	return payload
}

func encodeGenerations(names []string, current string) []generationPayload {
	out := make([]generationPayload, 0, len(names))
	for _, name := range names {
		out = append(out, generationPayload{Name: name, Current: name == current})
	}
	return out
}
