package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // Start small; each pair is two users and one chat.
	MsgCount  = 20 // Messages per user
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type chatResponse struct {
	ID string `json:"id"`
}

func main() {
	log.Printf("starting load test: %d users, %d messages each", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("load test complete")
}

func runPair(pairID int) {
	emailA := fmt.Sprintf("u_%d_a@load.test", pairID)
	emailB := fmt.Sprintf("u_%d_b@load.test", pairID)
	pass := "password123"

	tokenA, _ := authenticate(emailA, pass)
	tokenB, idB := authenticate(emailB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	chatID := createChat(tokenA, fmt.Sprintf("pair-%d", pairID), []string{idB})
	if chatID == "" {
		return
	}

	var wg sync.WaitGroup
	for _, token := range []string{tokenA, tokenB} {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			chatSession(token, chatID)
		}(token)
	}
	wg.Wait()
}

func authenticate(email, pass string) (string, string) {
	register := map[string]string{"name": email, "email": email, "password": pass}
	post("/register", register, nil)

	login := map[string]string{"email": email, "password": pass}
	var auth authResponse
	if err := post("/login", login, &auth); err != nil {
		log.Printf("login failed for %s: %v", email, err)
		return "", ""
	}
	return auth.Token, auth.ID
}

func createChat(token, title string, memberIDs []string) string {
	body := map[string]any{"title": title, "type": "private", "member_ids": memberIDs}
	payload, _ := json.Marshal(body)

	req, _ := http.NewRequest(http.MethodPost, BaseURL+"/api/chats", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("create chat failed: %v", err)
		return ""
	}
	defer resp.Body.Close()

	var c chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return ""
	}
	return c.ID
}

func chatSession(token, chatID string) {
	conn, _, err := websocket.DefaultDialer.Dial(WSURL+"?token="+token, nil)
	if err != nil {
		log.Printf("ws dial failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain snapshots so the server never blocks on us.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	selectCmd := map[string]string{"type": "select", "chat_id": chatID}
	if err := conn.WriteJSON(selectCmd); err != nil {
		return
	}

	for i := 0; i < MsgCount; i++ {
		send := map[string]string{"type": "send", "content": fmt.Sprintf("message %d", i)}
		if err := conn.WriteJSON(send); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func post(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := http.Post(BaseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
