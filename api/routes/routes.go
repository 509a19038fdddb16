package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/book-pipeline/api/handlers"
	"github.com/feichai0017/book-pipeline/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	// 全局中间件
	r.Use(middleware.CORS())

	// API 版本组
	v1 := r.Group("/api/v1")

	// 图书路由组
	books := v1.Group("/books")
	{
		books.POST("", h.Book.UploadBook)
		books.POST("/batch", h.Book.UploadBatch)
		books.GET("", h.Book.ListBooks)
		books.GET("/:id", h.Book.GetBook)
		books.PUT("/:id", h.Book.UpdateBook)
		books.DELETE("/:id", h.Book.DeleteBook)
		books.GET("/:id/pages", h.Book.ListPages)
		books.GET("/:id/pages/:page/image", h.Book.GetPageImage)
		books.GET("/:id/status", h.Book.GetStatus)
		books.PUT("/:id/source", h.Book.ReplaceSource)
		books.POST("/:id/cover", h.Book.UploadCover)
	}
}
