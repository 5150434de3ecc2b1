// Package storeclient 素材存储服务的 HTTP 客户端
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clipdeck/model"
)

// BillingOutageCode 存储服务因计费问题降级时返回的错误码
const BillingOutageCode = "BILLING_OUTAGE"

// ErrNotFound 素材不存在
var ErrNotFound = errors.New("storeclient: asset not found")

// DegradedError 服务降级（计费中断），需要提示用户
type DegradedError struct {
	Status  int
	Code    string
	Message string
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("asset store degraded (%d %s): %s", e.Status, e.Code, e.Message)
}

// ErrorPayload 服务端错误响应体
type ErrorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client 素材存储客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient 创建客户端，token 为空时不带 Authorization 头
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetTimeout 设置请求超时时间
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// SetToken 更换 bearer token
func (c *Client) SetToken(token string) {
	c.token = token
}

// List 列出项目的素材
func (c *Client) List(ctx context.Context, projectID string) ([]model.Asset, error) {
	u := c.baseURL + "/assets"
	if projectID != "" {
		u += "?projectId=" + url.QueryEscape(projectID)
	}
	var out struct {
		Assets []model.Asset `json:"assets"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return out.Assets, nil
}

// ResolveURL 获取素材的可播放地址
func (c *Client) ResolveURL(ctx context.Context, id string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	u := fmt.Sprintf("%s/assets/%s/url", c.baseURL, url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return "", fmt.Errorf("resolve asset %s: %w", id, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("resolve asset %s: %w", id, ErrNotFound)
	}
	return out.URL, nil
}

// Create 登记一个已上传的素材
func (c *Client) Create(ctx context.Context, a model.Asset) (model.Asset, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return model.Asset{}, fmt.Errorf("encode asset: %w", err)
	}
	var out model.Asset
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/assets", body, &out); err != nil {
		return model.Asset{}, fmt.Errorf("create asset: %w", err)
	}
	return out, nil
}

// Delete 删除素材
func (c *Client) Delete(ctx context.Context, id string) error {
	u := fmt.Sprintf("%s/assets/%s", c.baseURL, url.PathEscape(id))
	if err := c.do(ctx, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func statusError(status int, data []byte) error {
	var p ErrorPayload
	_ = json.Unmarshal(data, &p)

	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusServiceUnavailable && p.Code == BillingOutageCode:
		msg := p.Message
		if msg == "" {
			msg = p.Error
		}
		return &DegradedError{Status: status, Code: p.Code, Message: msg}
	}
	msg := p.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return fmt.Errorf("API返回错误状态码: %d %s", status, msg)
}
