package panel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// xuiStream: streamSettings inbound 3x-ui, нужные для ссылки клиента
type xuiStream struct {
	Network         string `json:"network"`
	Security        string `json:"security"`
	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		ShortIDs    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
			SpiderX     string `json:"spiderX"`
		} `json:"settings"`
	} `json:"realitySettings"`
	TLSSettings struct {
		ServerName string `json:"serverName"`
		Settings   struct {
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"tlsSettings"`
	WSSettings struct {
		Path    string            `json:"path"`
		Host    string            `json:"host"`
		Headers map[string]string `json:"headers"`
	} `json:"wsSettings"`
	GRPCSettings struct {
		ServiceName string `json:"serviceName"`
	} `json:"grpcSettings"`
}

func first(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// vlessLink собирает vless://uuid@host:port?params#name по настройкам inbound.
// host берётся из api_url сервера.
func vlessLink(in xuiInbound, apiURL, clientID, flow, name string) (string, error) {
	if !strings.EqualFold(in.Protocol, "vless") {
		return "", fmt.Errorf("inbound %d: protocol %q is not vless", in.ID, in.Protocol)
	}
	if in.Port <= 0 {
		return "", fmt.Errorf("inbound %d: no port", in.ID)
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("bad api_url %q", apiURL)
	}
	var stream xuiStream
	if in.StreamSettings != "" {
		if err := json.Unmarshal([]byte(in.StreamSettings), &stream); err != nil {
			return "", fmt.Errorf("inbound %d: stream settings: %w", in.ID, err)
		}
	}

	network := stream.Network
	if network == "" {
		network = "tcp"
	}
	security := stream.Security
	if security == "" {
		security = "none"
	}
	params := url.Values{}
	params.Set("type", network)
	params.Set("security", security)
	switch security {
	case "reality":
		r := stream.RealitySettings
		params.Set("sni", first(r.ServerNames))
		params.Set("fp", r.Settings.Fingerprint)
		params.Set("pbk", r.Settings.PublicKey)
		params.Set("sid", first(r.ShortIDs))
		if r.Settings.SpiderX != "" {
			params.Set("spx", r.Settings.SpiderX)
		}
	case "tls":
		params.Set("sni", stream.TLSSettings.ServerName)
		if fp := stream.TLSSettings.Settings.Fingerprint; fp != "" {
			params.Set("fp", fp)
		}
	}
	switch network {
	case "ws":
		path := stream.WSSettings.Path
		if path == "" {
			path = "/"
		}
		params.Set("path", path)
		host := stream.WSSettings.Host
		if host == "" {
			host = stream.WSSettings.Headers["Host"]
		}
		if host != "" {
			params.Set("host", host)
		}
	case "grpc":
		params.Set("serviceName", stream.GRPCSettings.ServiceName)
	case "tcp":
		// flow допустим только на tcp с reality или tls
		if flow != "" && (security == "reality" || security == "tls") {
			params.Set("flow", flow)
		}
	}

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		clientID,
		u.Hostname(),
		in.Port,
		params.Encode(),
		url.PathEscape(name),
	), nil
}
