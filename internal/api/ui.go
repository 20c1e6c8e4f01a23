package api

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bucketdrop/internal/job"
)

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"kib": func(size int64) int64 {
		if size < 1024 {
			return 1
		}
		return size / 1024
	},
}).Parse(`{{define "layout"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  {{if .Refresh}}<meta http-equiv="refresh" content="2"/>{{end}}
  <title>Bucketdrop</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    input[type=text]{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px;width:100%}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    .bar{background:#efefef;border-radius:6px;height:10px;overflow:hidden}
    .bar>div{background:#0b63e5;height:10px}
    table{width:100%;border-collapse:collapse}
    td,th{text-align:left;padding:6px 8px;border-bottom:1px solid #efefef;font-size:14px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1>Bucketdrop</h1>
    <div class="muted">Browse the bucket, pick files, get one archive</div>
  </header>
  {{template "content" .}}
  <footer>
    <div>API base: <span class="mono">/api/v1</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "layout" .}}
{{end}}

{{define "download"}}
  {{template "layout" .}}
{{end}}

{{define "content"}}
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}

  {{if .State}}
  <div class="card">
    <h2>Download job <span class="mono">{{.State.JobID}}</span></h2>
    <p><span class="status">{{.State.Status}}</span>
       <span class="muted">{{.State.FilesCompleted}}/{{.State.TotalFiles}} files</span></p>
    <div class="bar"><div style="width:{{.State.Progress}}%"></div></div>
    {{if .ArtifactReady}}
    <p><a class="btn" href="/api/v1/downloads/current/artifact">Download archive</a></p>
    {{end}}
    {{if .State.Error}}
    <p class="muted">{{.State.Error}}</p>
    {{end}}
    <form method="post" action="/ui/downloads/current/dismiss">
      <button class="btn secondary" type="submit">Dismiss</button>
    </form>
  </div>
  {{end}}

  {{if .Objects}}
  <div class="card">
    <h2>Bucket contents</h2>
    <form method="get" action="/">
      <div class="row">
        <input type="text" name="prefix" value="{{.Prefix}}" placeholder="prefix filter"/>
        <button class="btn secondary" type="submit">Filter</button>
      </div>
    </form>
    <form method="post" action="/ui/downloads">
      <table>
        <tr><th></th><th>Key</th><th>Size</th><th>Modified</th></tr>
        {{range .Objects}}
        <tr>
          <td><input type="checkbox" name="keys" value="{{.Key}}"/></td>
          <td class="mono">{{.Key}}</td>
          <td>{{kib .Size}} KiB</td>
          <td class="muted">{{.LastModified.Format "2006-01-02 15:04"}}</td>
        </tr>
        {{end}}
      </table>
      <p><button class="btn" type="submit">Download selected</button></p>
    </form>
  </div>
  {{end}}

  {{if .History}}
  <div class="card">
    <h2>Recent downloads</h2>
    <ul class="list">
      {{range .History}}
      <li><span class="mono">{{.JobID}}</span>
          <span class="status">{{.Status}}</span>
          {{if .DownloadURL}}<a href="{{.DownloadURL}}">artifact</a>{{end}}
          <span class="muted">{{.FinishedAt.Format "2006-01-02 15:04"}}</span></li>
      {{end}}
    </ul>
  </div>
  {{end}}
{{end}}`))

// RegisterUIRoutes registers the server-rendered pages.
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/downloads", a.UIStartDownload)
	router.GET("/ui/downloads/current", a.UIDownload)
	router.POST("/ui/downloads/current/dismiss", a.UIDismiss)
}

// UIHome renders the bucket listing with selection checkboxes
func (a *API) UIHome(c *gin.Context) {
	prefix := strings.TrimSpace(c.Query("prefix"))
	objects, err := a.browser.List(c.Request.Context(), prefix)
	if err != nil {
		c.HTML(http.StatusBadGateway, "home", gin.H{"Error": "bucket listing failed"})
		return
	}
	data := gin.H{"Objects": objects, "Prefix": prefix, "History": a.tracker.History()}
	if state, ok := a.tracker.Current(); ok {
		data["State"] = state
		data["ArtifactReady"] = artifactReady(a.tracker)
	}
	c.HTML(http.StatusOK, "home", data)
}

// UIStartDownload initiates a job from the selection form and redirects to
// the progress page
func (a *API) UIStartDownload(c *gin.Context) {
	keys := make([]string, 0)
	for _, k := range c.PostFormArray("keys") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		c.HTML(http.StatusBadRequest, "home", gin.H{"Error": "select at least one file"})
		return
	}
	initiated, err := a.backend.Initiate(c.Request.Context(), keys)
	if err != nil {
		c.HTML(http.StatusBadGateway, "home", gin.H{"Error": "download initiation failed: " + err.Error()})
		return
	}
	a.startTracking(initiated)
	c.Redirect(http.StatusFound, "/ui/downloads/current")
}

// UIDownload renders the progress page, refreshing until the job settles
func (a *API) UIDownload(c *gin.Context) {
	state, ok := a.tracker.Current()
	if !ok {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.HTML(http.StatusOK, "download", gin.H{
		"State":         state,
		"ArtifactReady": artifactReady(a.tracker),
		"Refresh":       !state.Terminal(),
	})
}

// UIDismiss drops the active job and returns home
func (a *API) UIDismiss(c *gin.Context) {
	_ = a.tracker.Dismiss()
	c.Redirect(http.StatusFound, "/")
}

func artifactReady(t *job.Tracker) bool {
	_, err := t.ArtifactURL()
	return err == nil
}
