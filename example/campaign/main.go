// Command campaign drives a running coldmail server: it sends a small
// campaign, opens one tracking pixel and follows one tracked link, then
// prints the resulting stats. Run the server with SINK_ENABLED=true to keep
// the mail local.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"time"
)

type outcome struct {
	RecipientEmail string `json:"recipientEmail"`
	Status         string `json:"status"`
	Error          string `json:"error"`
	TrackingToken  string `json:"trackingToken"`
}

type sendResponse struct {
	CampaignID  string    `json:"campaignId"`
	SentCount   int       `json:"sentCount"`
	FailedCount int       `json:"failedCount"`
	Outcomes    []outcome `json:"outcomes"`
}

type statsResponse struct {
	TotalSent    int `json:"totalSent"`
	TotalOpened  int `json:"totalOpened"`
	OpenRate     int `json:"openRate"`
	TotalClicks  int `json:"totalClicks"`
	UniqueClicks int `json:"uniqueClicks"`
}

type detailsResponse struct {
	Items []struct {
		RecipientEmail string `json:"recipientEmail"`
		Links          []struct {
			ClickToken  string `json:"clickToken"`
			OriginalURL string `json:"originalUrl"`
		} `json:"links"`
	} `json:"items"`
	Total int `json:"total"`
}

var clickTokenPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func main() {
	baseURL := getenvDefault("COLDMAIL_URL", "http://localhost:3025")
	token := os.Getenv("COLDMAIL_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "COLDMAIL_TOKEN is required; create one with coldmail-token issue -user <id>")
		os.Exit(1)
	}
	client := &http.Client{
		Timeout: 2 * time.Minute,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	campaignID := fmt.Sprintf("example-%d", time.Now().Unix())

	fmt.Println("Sending campaign", campaignID)
	payload, _ := json.Marshal(map[string]any{
		"campaignId": campaignID,
		"subject":    "Hello {fullName} from coldmail",
		"body":       `<p>Hi {fullName},</p><p>We are hiring at <a href="https://example.com/jobs">{companyName}</a>.</p>`,
		"recipients": []map[string]string{
			{"email": "ada@example.com", "fullName": "Ada", "companyName": "Acme"},
			{"email": "bob@example.com", "fullName": "Bob", "companyName": "Beta"},
			{"email": "cy@example.com", "fullName": "Cy", "companyName": "Core"},
		},
		"batchSize":         2,
		"batchDelaySeconds": 1,
	})
	var sent sendResponse
	mustDecode(mustDo(client, token, http.MethodPost, baseURL+"/api/campaigns/send", bytes.NewReader(payload)), &sent)
	for _, o := range sent.Outcomes {
		fmt.Printf("- %s %s %s\n", o.RecipientEmail, o.Status, o.Error)
	}

	if len(sent.Outcomes) > 0 && sent.Outcomes[0].TrackingToken != "" {
		fmt.Println("Opening pixel for", sent.Outcomes[0].RecipientEmail)
		mustDo(client, "", http.MethodGet, baseURL+"/track/open/"+sent.Outcomes[0].TrackingToken+".gif", nil).Body.Close()
	}

	var details detailsResponse
	mustDecode(mustDo(client, token, http.MethodGet, baseURL+"/api/tracking/details?campaignId="+campaignID, nil), &details)
	for _, item := range details.Items {
		if len(item.Links) == 0 || !clickTokenPattern.MatchString(item.Links[0].ClickToken) {
			continue
		}
		resp := mustDo(client, "", http.MethodGet, baseURL+"/track/click/"+item.Links[0].ClickToken, nil)
		resp.Body.Close()
		fmt.Printf("Clicked link for %s -> %s\n", item.RecipientEmail, resp.Header.Get("Location"))
		break
	}

	var stats statsResponse
	mustDecode(mustDo(client, token, http.MethodGet, baseURL+"/api/tracking/stats?campaignId="+campaignID, nil), &stats)
	fmt.Printf("sent=%d opened=%d rate=%d%% clicks=%d unique=%d\n",
		stats.TotalSent, stats.TotalOpened, stats.OpenRate, stats.TotalClicks, stats.UniqueClicks)
}

func mustDo(client *http.Client, token, method, url string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	return resp
}

func mustDecode(resp *http.Response, v any) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
