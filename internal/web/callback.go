// Package web holds the thin HTTP edges around the broker core: the
// completion page handed to the browser tab and the CORS policy for
// extension origins.
package web

import (
	"fmt"
	"html/template"
	"strings"

	webassets "github.com/ythelper/broker/web"
)

var callbackTemplate = template.Must(template.ParseFS(webassets.FS, "callback.html.tmpl"))

type callbackPageData struct {
	AccessToken string
	AppToken    string
}

// RenderCallbackPage produces the HTML document the callback endpoint sends
// to the browser tab. Its only job is to hand the access token and app token
// to the extension's content-script relay, through localStorage on the
// broker origin and a window.opener postMessage as the secondary channel.
// The refresh token never reaches this page.
func RenderCallbackPage(accessToken string, appToken string) (string, error) {
	var page strings.Builder
	err := callbackTemplate.Execute(&page, callbackPageData{
		AccessToken: accessToken,
		AppToken:    appToken,
	})
	if err != nil {
		return "", fmt.Errorf("web.callback.render: %w", err)
	}
	return page.String(), nil
}
