package frontend

import (
	"io"
	"net/http"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/logsentinel/logsentinel/modules/configstore"
)

type configItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type updateConfigRequest struct {
	Items []configItem `json:"items"`
}

func (f *Frontend) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	var settings configstore.AllSettings
	if !f.runQuery(func() { settings = f.configs.AllSettings() }) {
		writeError(w, "/settings/all", http.StatusServiceUnavailable, "Server is overloaded")
		return
	}
	writeJSON(w, "/settings/all", http.StatusOK, settings)
}

func (f *Frontend) UpdateConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if !decodeBody(w, r, "/settings/config", &req) {
		return
	}

	items := make(map[string]string, len(req.Items))
	for _, it := range req.Items {
		items[it.Key] = it.Value
	}

	if err := f.configs.UpdateAppConfig(items); err != nil {
		level.Error(f.logger).Log("msg", "config update failed", "err", err)
		writeError(w, "/settings/config", http.StatusInternalServerError, err.Error())
		return
	}
	writeStatusSuccess(w, "/settings/config")
}

func (f *Frontend) UpdatePromptsHandler(w http.ResponseWriter, r *http.Request) {
	var prompts []configstore.PromptConfig
	if !decodeBody(w, r, "/settings/prompts", &prompts) {
		return
	}

	if err := f.configs.UpdatePrompts(prompts); err != nil {
		level.Error(f.logger).Log("msg", "prompt update failed", "err", err)
		writeError(w, "/settings/prompts", http.StatusInternalServerError, err.Error())
		return
	}
	writeStatusSuccess(w, "/settings/prompts")
}

func (f *Frontend) UpdateChannelsHandler(w http.ResponseWriter, r *http.Request) {
	var channels []configstore.AlertChannel
	if !decodeBody(w, r, "/settings/channels", &channels) {
		return
	}

	if err := f.configs.UpdateChannels(channels); err != nil {
		level.Error(f.logger).Log("msg", "channel update failed", "err", err)
		writeError(w, "/settings/channels", http.StatusInternalServerError, err.Error())
		return
	}
	writeStatusSuccess(w, "/settings/channels")
}

func decodeBody(w http.ResponseWriter, r *http.Request, route string, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, route, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := jsoniter.Unmarshal(body, v); err != nil {
		writeError(w, route, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func writeStatusSuccess(w http.ResponseWriter, route string) {
	writeJSON(w, route, http.StatusOK, map[string]string{"status": "success"})
}
