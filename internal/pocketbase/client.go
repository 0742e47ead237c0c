package pocketbase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrRecordNotFound 表示按 id 操作的远端记录已不存在 (404)。
// 更新方在收到该错误后应重建记录, 而不是对着失效 id 无限重试。
var ErrRecordNotFound = errors.New("pocketbase: record not found")

// Record 是一条 PocketBase 记录的通用形态
type Record map[string]interface{}

// ID 返回记录的 id 字段
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Gateway 定义了引擎对远端持久化层的全部依赖。
// 写操作按记录 id 幂等, 调用方不需要额外加锁。
type Gateway interface {
	CreateRecord(collection string, data map[string]interface{}) (string, error)
	UpdateRecord(collection, id string, data map[string]interface{}) error
	QueryRecords(collection, filter, sort string) ([]Record, error)
	DeleteRecord(collection, id string) error
}

// Client 是 PocketBase REST API 的客户端实现。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient 创建一个新的 PocketBase 客户端。
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// doRequest 是通用的请求处理函数, 用于向 PocketBase API 发送请求。
func (c *Client) doRequest(method, endpoint string, params url.Values, payload interface{}) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
	if len(params) > 0 {
		fullURL = fmt.Sprintf("%s?%s", fullURL, params.Encode())
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return respBody, ErrRecordNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return respBody, fmt.Errorf("API请求失败, 状态码: %d, message: %s", resp.StatusCode, apiErr.Message)
		}
		return respBody, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// AuthWithPassword 用账号密码换取访问令牌, 之后的请求都会携带它。
func (c *Client) AuthWithPassword(collection, identity, password string) error {
	endpoint := fmt.Sprintf("/api/collections/%s/auth-with-password", collection)
	payload := map[string]string{"identity": identity, "password": password}

	data, err := c.doRequest("POST", endpoint, nil, payload)
	if err != nil {
		return fmt.Errorf("认证失败: %w", err)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("解析认证响应失败: %w", err)
	}
	c.token = result.Token
	c.logger.Info("PocketBase认证成功", zap.String("collection", collection))
	return nil
}

// --- Gateway 接口实现 ---

// CreateRecord 创建一条记录并返回远端 id。出站数据已在调用前消毒。
func (c *Client) CreateRecord(collection string, data map[string]interface{}) (string, error) {
	endpoint := fmt.Sprintf("/api/collections/%s/records", collection)
	respBody, err := c.doRequest("POST", endpoint, nil, Sanitize(data))
	if err != nil {
		return "", err
	}

	var record Record
	if err := json.Unmarshal(respBody, &record); err != nil {
		return "", fmt.Errorf("解析创建响应失败: %w", err)
	}
	return record.ID(), nil
}

// UpdateRecord 按 id 更新一条记录。404 映射为 ErrRecordNotFound。
func (c *Client) UpdateRecord(collection, id string, data map[string]interface{}) error {
	endpoint := fmt.Sprintf("/api/collections/%s/records/%s", collection, id)
	_, err := c.doRequest("PATCH", endpoint, nil, Sanitize(data))
	return err
}

// QueryRecords 按过滤条件查询记录, 自动翻页取回全部结果。
func (c *Client) QueryRecords(collection, filter, sort string) ([]Record, error) {
	endpoint := fmt.Sprintf("/api/collections/%s/records", collection)

	var all []Record
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("perPage", "200")
		if filter != "" {
			params.Set("filter", filter)
		}
		if sort != "" {
			params.Set("sort", sort)
		}

		data, err := c.doRequest("GET", endpoint, params, nil)
		if err != nil {
			return nil, err
		}

		var result struct {
			Page       int      `json:"page"`
			TotalPages int      `json:"totalPages"`
			Items      []Record `json:"items"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("解析查询响应失败: %w", err)
		}

		all = append(all, result.Items...)
		if page >= result.TotalPages {
			break
		}
	}
	return all, nil
}

// DeleteRecord 按 id 删除记录。记录已不存在视为删除成功。
func (c *Client) DeleteRecord(collection, id string) error {
	endpoint := fmt.Sprintf("/api/collections/%s/records/%s", collection, id)
	_, err := c.doRequest("DELETE", endpoint, nil, nil)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	return err
}
