// Load generator: registers user pairs, opens a conversation socket on each
// side plus a notification socket on the receiving side, and spams messages.
// Watch the server logs for dropped subscribers and the DB for commit lag.
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
	WSBase    = "ws://localhost:8080"
	PairCount = 250 // pairs of users; start small, the DB chokes before the bus does
	MsgCount  = 20  // messages per user
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
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
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA, _ := authenticate(userA, pass)
	tokenB, idB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	convID := createConversation(tokenA, idB)
	if convID == 0 {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(3)
	go listenNotifications(&wsWg, tokenB, userB)
	go spamChat(&wsWg, tokenA, convID, userA)
	go spamChat(&wsWg, tokenB, convID, userB)
	wsWg.Wait()
}

// authenticate registers (ignoring "already exists") and logs in.
func authenticate(username, password string) (string, int) {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("login failed [%s]: %v", username, err)
		return "", 0
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token, data.ID
}

func createConversation(token string, targetID int) int {
	jsonBody, _ := json.Marshal(map[string]int{"user_id": targetID})
	req, _ := http.NewRequest("POST", BaseURL+"/api/conversations", bytes.NewBuffer(jsonBody))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("create conversation failed: %v", err)
		return 0
	}
	defer resp.Body.Close()

	var data struct {
		ID int `json:"conversation_id"`
	}
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func spamChat(wg *sync.WaitGroup, token string, convID int, user string) {
	defer wg.Done()

	url := fmt.Sprintf("%s/ws/chat/%d?token=%s", WSBase, convID, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("ws connect failed [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	// Drain inbound frames so the server's send buffer never backs up.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < MsgCount; i++ {
		frame := map[string]interface{}{
			"type":    "chat_message",
			"content": fmt.Sprintf("load test message %d from %s", i, user),
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("send failed [%s]: %v", user, err)
			break
		}
		// Simulate a real network instead of a localhost firehose.
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("%s finished sending %d messages", user, MsgCount)
}

// listenNotifications holds a notification socket open and counts popups.
func listenNotifications(wg *sync.WaitGroup, token, user string) {
	defer wg.Done()

	url := fmt.Sprintf("%s/ws/notifications?token=%s", WSBase, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("notification ws connect failed [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Duration(MsgCount) * 100 * time.Millisecond)
	conn.SetReadDeadline(deadline)

	popups := 0
	for {
		var frame struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Type == "new_message" {
			popups++
		}
	}
	log.Printf("%s received %d popups", user, popups)
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
