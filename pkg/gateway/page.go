package gateway

import (
	"html/template"
	"net/http"

	"github.com/wisbric/cerberus/pkg/captcha"
)

// challengePage embeds the CAPTCHA image and the hidden challenge id. The
// answer never reaches the client.
var challengePage = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Verification required</title>
<style>
body { background: #0f0f1a; color: #e0e0e0; font-family: monospace; display: flex; justify-content: center; padding-top: 10vh; }
.card { background: #1a1a2e; padding: 2rem; border-radius: 8px; max-width: 26rem; text-align: center; }
.card img { border-radius: 4px; margin: 1rem 0; }
.error { color: #ff6b6b; margin: 0.5rem 0; }
input[type=text] { width: 100%; padding: 0.5rem; background: #0f0f1a; color: #e0e0e0; border: 1px solid #444; border-radius: 4px; }
button { margin-top: 1rem; padding: 0.5rem 2rem; background: #3a3a6e; color: #fff; border: none; border-radius: 4px; cursor: pointer; }
</style>
</head>
<body>
<div class="card">
<h2>Prove you are human</h2>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<img src="{{.Image}}" alt="verification challenge" width="200" height="80">
<p>{{.Instructions}}</p>
<form method="post" action="/verify">
<input type="hidden" name="challenge_id" value="{{.ChallengeID}}">
<input type="hidden" name="circuit_id" value="{{.CircuitID}}">
<input type="text" name="answer" autocomplete="off" autofocus>
<button type="submit">Verify</button>
</form>
</div>
</body>
</html>
`))

var deniedPage = template.Must(template.New("denied").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Access denied</title></head>
<body style="background:#0f0f1a;color:#e0e0e0;font-family:monospace;text-align:center;padding-top:20vh">
<h1>403</h1>
<p>{{.}}</p>
</body>
</html>
`))

type challengeView struct {
	ChallengeID  string
	CircuitID    string
	Image        template.URL
	Instructions string
	Error        string
}

func renderChallenge(w http.ResponseWriter, ch *captcha.Challenge, circuitID, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = challengePage.Execute(w, challengeView{
		ChallengeID:  ch.ChallengeID,
		CircuitID:    circuitID,
		Image:        template.URL(ch.ImagePayload),
		Instructions: ch.Instructions,
		Error:        errMsg,
	})
}

func renderDenied(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = deniedPage.Execute(w, reason)
}

func renderOpen(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><body style="background:#0f0f1a;color:#e0e0e0;font-family:monospace;text-align:center;padding-top:20vh"><p>No verification required.</p></body></html>`))
}

func renderApp(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><body style="background:#0f0f1a;color:#e0e0e0;font-family:monospace;text-align:center;padding-top:20vh"><h2>Welcome</h2><p>Your passport is valid.</p></body></html>`))
}
