package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"custody/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeServerError = 500
)

// 业务错误码
const (
	CodeResourceNotFound     = 1001
	CodePolicyViolation      = 1002
	CodeInsufficientQuantity = 1003
	CodeConflict             = 1004
	CodeTransactionFailed    = 1005
	CodePriceUnavailable     = 1006
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// FieldError 参数校验失败的字段
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, status, code int, message string) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

// BindError 请求体解析或 binding 校验失败
func BindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]FieldError, 0, len(verrs))
		names := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
			names = append(names, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, Response{
			Code:    CodeParamError,
			Message: "invalid parameters: " + strings.Join(names, ", "),
			Data:    fields,
		})
		return
	}
	ParamError(c, "invalid request: "+err.Error())
}

// FromError 按错误类别返回 HTTP 状态码与业务码，未分类的错误按 500 处理
func FromError(c *gin.Context, err error) {
	var insufficient *model.InsufficientQuantityError
	var txErr *model.TransactionError

	switch {
	case errors.As(err, &insufficient):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, Response{
			Code:    CodeInsufficientQuantity,
			Message: err.Error(),
			Data: gin.H{
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			},
		})
	case errors.As(err, &txErr):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, Response{
			Code:    CodeTransactionFailed,
			Message: err.Error(),
			Data:    gin.H{"retryable": txErr.Retryable},
		})
	case errors.Is(err, model.ErrValidation):
		ParamError(c, err.Error())
	case errors.Is(err, model.ErrNotFound):
		Error(c, http.StatusNotFound, CodeResourceNotFound, err.Error())
	case errors.Is(err, model.ErrPolicyViolation):
		Error(c, http.StatusUnprocessableEntity, CodePolicyViolation, err.Error())
	case errors.Is(err, model.ErrConflict):
		Error(c, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, model.ErrInsufficientQuantity):
		Error(c, http.StatusUnprocessableEntity, CodeInsufficientQuantity, err.Error())
	case errors.Is(err, model.ErrPriceUnavailable):
		Error(c, http.StatusFailedDependency, CodePriceUnavailable, err.Error())
	default:
		ServerError(c, err.Error())
	}
}
