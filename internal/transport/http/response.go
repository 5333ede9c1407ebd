package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`           // 业务状态码
	Msg  string      `json:"msg"`            // 中文提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// 业务状态码定义
const (
	CodeSuccess = 200
	CodeCreated = 201

	CodeBadRequest = 400
	CodeNotFound   = 404
	CodeConflict   = 409

	CodeInternalError      = 500
	CodeServiceUnavailable = 503
)

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  "成功",
		Data: data,
	})
}

// SuccessWithMsg 成功响应（自定义消息）
func SuccessWithMsg(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  msg,
		Data: data,
	})
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code: CodeCreated,
		Msg:  "创建成功",
		Data: data,
	})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// Conflict 资源冲突错误（409）
func Conflict(c *gin.Context, msg string) {
	Error(c, http.StatusConflict, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, msg)
}

// ServiceUnavailable 暂时无法处理（503），retryAfter 为建议的重试秒数
func ServiceUnavailable(c *gin.Context, msg string, retryAfter string) {
	if retryAfter != "" {
		c.Header("Retry-After", retryAfter)
	}
	Error(c, http.StatusServiceUnavailable, msg)
}

// Error 通用错误响应（根据HTTP状态码自动选择）
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, Response{
		Code: httpCode,
		Msg:  msg,
	})
}
