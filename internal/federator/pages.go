package federator

import (
	"html/template"
	"net/http"
)

var postFormTemplate = template.Must(template.New("postform").Parse(`<!DOCTYPE html>
<html lang="it">
<head><meta charset="utf-8"><title>Accesso in corso</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
<input type="hidden" name="SAMLResponse" value="{{.SAMLResponse}}"/>
{{- if .RelayState}}
<input type="hidden" name="RelayState" value="{{.RelayState}}"/>
{{- end}}
<noscript>
<p>Il browser non supporta JavaScript. Premere il pulsante per continuare.</p>
<input type="submit" value="Continua"/>
</noscript>
</form>
</body>
</html>
`))

var courtesyPageTemplate = template.Must(template.New("courtesy").Parse(`<!DOCTYPE html>
<html lang="it">
<head><meta charset="utf-8"><title>Autenticazione non riuscita</title></head>
<body>
<h1>Autenticazione non riuscita</h1>
{{- if .UserFriendlyMessage}}
<p>{{.UserFriendlyMessage}}</p>
{{- else}}
<p>Non &egrave; stato possibile completare l'autenticazione. Riprovare o contattare l'assistenza.</p>
{{- end}}
{{- if .StatusCode}}
<p><small>Codice: {{.StatusCode}}</small></p>
{{- end}}
{{- if .StatusMessage}}
<p><small>{{.StatusMessage}}</small></p>
{{- end}}
</body>
</html>
`))

func renderPostForm(w http.ResponseWriter, form *PostForm) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := postFormTemplate.Execute(w, form); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func renderCourtesyPage(w http.ResponseWriter, spidErr *SPIDError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := courtesyPageTemplate.Execute(w, spidErr); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
