package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/aiterm/server/internal/audit"
	"github.com/aiterm/server/internal/config"
	"github.com/aiterm/server/internal/crypto"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/llm"
	"github.com/aiterm/server/internal/middleware"
)

// defaultChatSystemPrompt steers the assistant toward structured replies
// the terminal UI can act on.
const defaultChatSystemPrompt = `你是一个专业的Linux服务器运维AI助手。

你的回复必须严格遵循以下JSON格式：
{
  "explanation": "你的自然语言解释，说明你要做什么以及为什么",
  "command": "要执行的shell命令（如果不需要执行命令则为空字符串）",
  "needs_more_info": false
}

规则：
1. 如果用户的请求需要多个步骤，每次只返回一个步骤的命令
2. explanation 中用中文解释你的思路
3. 如果用户只是打招呼或闲聊，command 设为空字符串
4. 始终返回有效的JSON`

// llmConfigJSON is the wire shape for one saved config. The stored key
// never leaves the server unmasked.
func llmConfigJSON(cfg *database.LLMConfig) map[string]interface{} {
	key, err := crypto.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		key = ""
	}
	return map[string]interface{}{
		"id":          cfg.ID,
		"name":        cfg.Name,
		"provider":    cfg.Provider,
		"model":       cfg.Model,
		"api_key":     crypto.Mask(key),
		"base_url":    cfg.APIURL,
		"temperature": cfg.Temperature,
		"is_active":   cfg.IsActive,
	}
}

// GetLLMSettings handles GET /api/llm/config: the active config, or the
// server defaults when the user has not activated one.
func GetLLMSettings(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	cfg, err := database.GetActiveLLMConfig(user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"provider":    config.Cfg.DefaultLLMProvider,
			"model":       config.Cfg.DefaultLLMModel,
			"api_key":     "",
			"base_url":    config.Cfg.DefaultLLMAPIURL,
			"temperature": 0.7,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration")
		return
	}

	key, err := crypto.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to decrypt API key")
		return
	}
	baseURL := cfg.APIURL
	if baseURL == "" {
		baseURL = config.Cfg.DefaultLLMAPIURL
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":    cfg.Provider,
		"model":       cfg.Model,
		"api_key":     crypto.Mask(key),
		"base_url":    baseURL,
		"temperature": temperature,
	})
}

// UpdateLLMSettings handles PUT /api/llm/config, editing the active
// config in place. Activation state is managed elsewhere.
func UpdateLLMSettings(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	cfg, err := database.GetActiveLLMConfig(user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusBadRequest, "请先在下方添加模型配置并激活")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration")
		return
	}

	var body struct {
		Provider    *string  `json:"provider"`
		Model       *string  `json:"model"`
		APIKey      *string  `json:"api_key"`
		BaseURL     *string  `json:"base_url"`
		Temperature *float64 `json:"temperature"`
		MaxTokens   *int     `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Provider != nil {
		cfg.Provider = *body.Provider
	}
	if body.Model != nil {
		cfg.Model = *body.Model
	}
	if body.BaseURL != nil {
		cfg.APIURL = *body.BaseURL
	}
	if body.Temperature != nil {
		cfg.Temperature = *body.Temperature
	}
	if body.MaxTokens != nil {
		cfg.MaxTokens = *body.MaxTokens
	}
	// A masked key means the client round-tripped what we sent it.
	if body.APIKey != nil && !strings.HasPrefix(*body.APIKey, "****") {
		enc := ""
		if *body.APIKey != "" {
			if enc, err = crypto.Encrypt(*body.APIKey); err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to encrypt API key")
				return
			}
		}
		cfg.APIKeyEnc = enc
	}

	if err := database.SaveLLMConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update configuration")
		return
	}

	key, err := crypto.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		key = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":    cfg.Provider,
		"model":       cfg.Model,
		"api_key":     crypto.Mask(key),
		"base_url":    cfg.APIURL,
		"temperature": cfg.Temperature,
		"message":     "配置已更新",
	})
}

// ListLLMConfigs handles GET /api/llm/configs.
func ListLLMConfigs(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	cfgs, err := database.ListLLMConfigs(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list configurations")
		return
	}
	out := make([]map[string]interface{}, 0, len(cfgs))
	for i := range cfgs {
		out = append(out, llmConfigJSON(&cfgs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateLLMConfig handles POST /api/llm/configs.
func CreateLLMConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		Name        string   `json:"name"`
		Provider    string   `json:"provider"`
		Model       string   `json:"model"`
		APIKey      string   `json:"api_key"`
		BaseURL     string   `json:"base_url"`
		Temperature *float64 `json:"temperature"`
		MaxTokens   int      `json:"max_tokens"`
		IsActive    bool     `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	name := body.Name
	if name == "" {
		if body.Provider != "" && body.Model != "" {
			name = body.Provider + "-" + body.Model
		} else {
			name = "default"
		}
	}

	if body.IsActive {
		if err := database.DeactivateLLMConfigs(user.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to create configuration")
			return
		}
	}

	enc := ""
	if body.APIKey != "" {
		var err error
		if enc, err = crypto.Encrypt(body.APIKey); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt API key")
			return
		}
	}
	temperature := 0.7
	if body.Temperature != nil && *body.Temperature > 0 {
		temperature = *body.Temperature
	}

	cfg := &database.LLMConfig{
		UserID:      user.ID,
		Name:        name,
		Provider:    body.Provider,
		APIURL:      body.BaseURL,
		APIKeyEnc:   enc,
		Model:       body.Model,
		Temperature: temperature,
		MaxTokens:   body.MaxTokens,
		IsActive:    body.IsActive,
	}
	if err := database.CreateLLMConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create configuration")
		return
	}
	writeJSON(w, http.StatusCreated, llmConfigJSON(cfg))
}

// DeleteLLMConfig handles DELETE /api/llm/configs/{id}.
func DeleteLLMConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	err := database.DeleteLLMConfig(chi.URLParam(r, "id"), user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "配置不存在")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete configuration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateLLMConfig handles PUT /api/llm/configs/{id}/activate. Exactly
// one config per user is active afterwards.
func ActivateLLMConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	cfg, err := database.GetLLMConfig(chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "配置不存在")
		return
	}
	if err := database.DeactivateLLMConfigs(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to activate configuration")
		return
	}
	cfg.IsActive = true
	if err := database.SaveLLMConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to activate configuration")
		return
	}
	writeJSON(w, http.StatusOK, llmConfigJSON(cfg))
}

// chatOptions resolves the request options for the user: the active
// config when present, server defaults otherwise.
func chatOptions(userID string) (llm.Options, *database.LLMConfig, error) {
	opts := llm.Options{
		Provider: config.Cfg.DefaultLLMProvider,
		APIURL:   config.Cfg.DefaultLLMAPIURL,
		Model:    config.Cfg.DefaultLLMModel,
		APIKey:   config.Cfg.DefaultLLMAPIKey,
	}
	cfg, err := database.GetActiveLLMConfig(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return opts, nil, nil
	}
	if err != nil {
		return opts, nil, err
	}

	opts.Provider = cfg.Provider
	opts.Model = cfg.Model
	opts.MaxTokens = cfg.MaxTokens
	if cfg.APIURL != "" {
		opts.APIURL = cfg.APIURL
	}
	key, err := crypto.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		return opts, nil, err
	}
	if key != "" {
		opts.APIKey = key
	}
	return opts, cfg, nil
}

// Chat handles POST /api/llm/chat and streams the reply as server-sent
// events: data: {"content": ...} deltas, data: {"error": ...} on failure.
func Chat(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		Prompt              string        `json:"prompt"`
		SystemPrompt        string        `json:"system_prompt"`
		ConversationHistory []llm.Message `json:"conversation_history"`
		TerminalContext     string        `json:"terminal_context"`
		Temperature         float64       `json:"temperature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "Prompt is required")
		return
	}

	opts, cfg, err := chatOptions(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration")
		return
	}
	if opts.APIKey == "" {
		writeError(w, http.StatusBadRequest, "请先在设置页面配置AI模型的API Key并激活")
		return
	}
	opts.Temperature = 0.7
	if body.Temperature > 0 {
		opts.Temperature = body.Temperature
	}
	if cfg != nil && cfg.Temperature > 0 {
		opts.Temperature = cfg.Temperature
	}

	system := body.SystemPrompt
	if system == "" {
		system = defaultChatSystemPrompt
	}
	prompt := body.Prompt
	if body.TerminalContext != "" {
		prompt += "\n\n当前终端输出:\n" + body.TerminalContext
	}
	messages := make([]llm.Message, 0, len(body.ConversationHistory)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	messages = append(messages, body.ConversationHistory...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	sendEvent := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	var reply strings.Builder
	err = llm.ChatStream(r.Context(), opts, messages, func(delta string) error {
		reply.WriteString(delta)
		sendEvent(map[string]string{"content": delta})
		return nil
	})
	if err != nil {
		sendEvent(map[string]string{"error": fmt.Sprintf("LLM请求失败: %v", err)})
		return
	}
	if reply.Len() == 0 {
		sendEvent(map[string]string{"error": "LLM未返回有效内容，请检查API Key和模型配置"})
		return
	}

	if Audit != nil {
		if err := Audit.RecordChat(user.ID, "user", body.Prompt); err != nil {
			log.Printf("[llm] record chat prompt: %v", err)
		}
		if err := Audit.RecordChat(user.ID, "assistant", reply.String()); err != nil {
			log.Printf("[llm] record chat reply: %v", err)
		}
	}
}

// SuggestCommand handles POST /api/llm/suggest-command: one-shot command
// generation from a task description.
func SuggestCommand(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Description == "" {
		writeError(w, http.StatusBadRequest, "Task description is required")
		return
	}

	cfg, err := database.GetActiveLLMConfig(user.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "LLM configuration not set. Please update your LLM settings first.")
		return
	}
	key, err := crypto.Decrypt(cfg.APIKeyEnc)
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "LLM configuration not set. Please update your LLM settings first.")
		return
	}

	opts := llm.Options{
		Provider:    cfg.Provider,
		APIURL:      cfg.APIURL,
		APIKey:      key,
		Model:       cfg.Model,
		Temperature: 0.3,
		MaxTokens:   cfg.MaxTokens,
	}
	prompt := fmt.Sprintf("You are a server administration assistant. Generate a single shell command to accomplish the following task:\n\n%s\n\nReply with JSON only: {\"command\": \"...\", \"explanation\": \"...\"}", body.Description)

	text, err := llm.Chat(r.Context(), opts, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Command suggestion failed: %v", err))
		return
	}

	command, explanation := parseSuggestion(text)
	writeJSON(w, http.StatusOK, map[string]string{
		"command":     command,
		"explanation": explanation,
	})
}

// parseSuggestion extracts {command, explanation} from a model reply,
// tolerating fences and prose around the JSON.
func parseSuggestion(text string) (string, string) {
	var out struct {
		Command     string `json:"command"`
		Explanation string `json:"explanation"`
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && out.Command != "" {
			return out.Command, out.Explanation
		}
	}
	// No usable JSON: take the first non-fence line as the command.
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		return line, ""
	}
	return strings.TrimSpace(text), ""
}

// ChatHistory handles GET /api/llm/history, listing the user's saved
// chat messages newest first.
func ChatHistory(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	q := r.URL.Query()

	opts := audit.QueryOptions{UserID: user.ID, Type: audit.TypeAIChat}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	result, err := Audit.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query chat history")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
