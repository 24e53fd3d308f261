package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/server"
)

func main() {
	workspace := "/tmp/reviewline-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("reviewline")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Repo.SeedRBAC(ctx, cfg); err != nil {
		panic(err)
	}
	for _, u := range []domain.User{
		{ID: "alice", FirstName: "Alice", RoleID: "stakeholder", Active: true},
		{ID: "bob", FirstName: "Bob", RoleID: "coordinator", Active: true},
	} {
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			panic(err)
		}
	}
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := signToken(jwtSecret, "alice", time.Now().Add(time.Hour))

	body := map[string]any{
		"title":      "Weekend market",
		"event_date": "2024-09-07",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/requests", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}

func signToken(secret, userID string, expiresAt time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		NotBefore: jwt.NewNumericDate(time.Now()),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
