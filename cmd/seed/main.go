// Seeding tool: loads users, datasets, and grants from a JSON manifest into
// the configured ledger backend.
//
// Usage: seed [manifest.json]  (default "seed.json")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"dpgate/internal/domain"
	"dpgate/internal/store"
	"dpgate/pkg/config"
	"dpgate/pkg/logger"
)

type manifest struct {
	Users    []manifestUser   `json:"users"`
	Datasets []domain.Dataset `json:"datasets"`
	Grants   []manifestGrant  `json:"grants"`
}

type manifestUser struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type manifestGrant struct {
	User    string `json:"user"`
	Dataset string `json:"dataset"`
	Epsilon string `json:"epsilon"`
	Delta   string `json:"delta"`
}

func main() {
	_ = godotenv.Load()

	log := logger.New("dpgate-seed")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	path := "seed.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal("Failed to read manifest", map[string]interface{}{"path": path, "error": err.Error()})
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		log.Fatal("Failed to parse manifest", map[string]interface{}{"path": path, "error": err.Error()})
	}

	ctx := context.Background()
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open ledger store", map[string]interface{}{"error": err.Error()})
	}
	defer backend.Close(ctx)

	for _, u := range m.Users {
		user := &domain.User{Name: u.Name, Contact: u.Contact, MayQuery: true}
		if err := backend.CreateUser(ctx, user); err != nil {
			log.Warn("Skipping user", map[string]interface{}{"user": u.Name, "reason": err.Error()})
			continue
		}
		log.Info("User created", map[string]interface{}{"user": u.Name})
	}

	for i := range m.Datasets {
		if err := backend.CreateDataset(ctx, &m.Datasets[i]); err != nil {
			log.Warn("Skipping dataset", map[string]interface{}{"dataset": m.Datasets[i].Name, "reason": err.Error()})
			continue
		}
		log.Info("Dataset created", map[string]interface{}{"dataset": m.Datasets[i].Name})
	}

	for _, g := range m.Grants {
		epsilon, err := decimal.NewFromString(g.Epsilon)
		if err != nil {
			log.Fatal("Malformed epsilon in grant", map[string]interface{}{"user": g.User, "dataset": g.Dataset, "value": g.Epsilon})
		}
		delta := decimal.Zero
		if g.Delta != "" {
			delta, err = decimal.NewFromString(g.Delta)
			if err != nil {
				log.Fatal("Malformed delta in grant", map[string]interface{}{"user": g.User, "dataset": g.Dataset, "value": g.Delta})
			}
		}
		budget := domain.Budget{Epsilon: epsilon, Delta: delta}
		if err := backend.GrantAccess(ctx, g.User, g.Dataset, budget); err != nil {
			log.Warn("Skipping grant", map[string]interface{}{"user": g.User, "dataset": g.Dataset, "reason": err.Error()})
			continue
		}
		log.Info("Grant created", map[string]interface{}{
			"user":    g.User,
			"dataset": g.Dataset,
			"epsilon": epsilon.String(),
			"delta":   delta.String(),
		})
	}

	fmt.Println("OK: ledger seeded")
}
