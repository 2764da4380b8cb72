// Package rest exposes the registry over HTTP. Handlers only translate
// between JSON and registry calls.
package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"groupregistry/internal/pagination"
	"groupregistry/internal/schema"
	"groupregistry/internal/schema/types"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// SchemaRecord represents a stored schema and where it sits in its group
type SchemaRecord struct {
	Schema     string                       `json:"schema"`
	Name       string                       `json:"name"`
	Format     string                       `json:"format"`
	Properties map[string]string            `json:"properties,omitempty"`
	Version    types.VersionInfo            `json:"version"`
	Rules      *types.SchemaValidationRules `json:"rules,omitempty"`
}

// SchemaRequest is the payload for registering and looking up schemas.
type SchemaRequest struct {
	Schema     string            `json:"schema" binding:"required"`
	Name       string            `json:"name"`
	Format     string            `json:"format,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NamespaceRequest creates a namespace.
type NamespaceRequest struct {
	Name string `json:"name" binding:"required"`
}

// GroupRequest creates a group.
type GroupRequest struct {
	Name               string                      `json:"name" binding:"required"`
	Format             string                      `json:"serializationFormat" binding:"required"`
	Rules              types.SchemaValidationRules `json:"schemaValidationRules"`
	AllowMultipleTypes bool                        `json:"allowMultipleTypes"`
	EnableEncoding     bool                        `json:"enableEncoding"`
	Properties         map[string]string           `json:"properties,omitempty"`
}

// RulesRequest replaces a group's validation rules. When Expected is set the
// update only applies if the current rules match it.
type RulesRequest struct {
	Rules    types.SchemaValidationRules  `json:"rules"`
	Expected *types.SchemaValidationRules `json:"expected,omitempty"`
}

// CreatedResponse reports whether a create call made something new.
type CreatedResponse struct {
	Created bool `json:"created"`
}

// CompatibilityResponse indicates compatibility result.
type CompatibilityResponse struct {
	IsCompatible bool   `json:"is_compatible"`
	Message      string `json:"message,omitempty"`
}

// EncodingRequest asks for the encoding id of a (version, codec) pair.
type EncodingRequest struct {
	Version types.VersionInfo `json:"version"`
	Codec   types.CodecType   `json:"codecType"`
}

// EncodingResponse returns an encoding id.
type EncodingResponse struct {
	ID types.EncodingID `json:"id"`
}

// EncodingInfoResponse describes an encoding id.
type EncodingInfoResponse struct {
	Schema SchemaRecord    `json:"schema"`
	Codec  types.CodecType `json:"codecType"`
}

// EncodeRequest frames a serialized payload. Payload is base64 in JSON.
type EncodeRequest struct {
	Version types.VersionInfo `json:"version"`
	Codec   types.CodecType   `json:"codecType"`
	Payload []byte            `json:"payload"`
}

// FrameResponse holds an encoded frame.
type FrameResponse struct {
	Data []byte `json:"data"`
}

// DecodeRequest unframes a payload produced by encode.
type DecodeRequest struct {
	Data []byte `json:"data" binding:"required"`
}

// DecodeResponse is the decompressed payload and the encoding that wrote it.
type DecodeResponse struct {
	Version types.VersionInfo `json:"version"`
	Codec   types.CodecType   `json:"codecType"`
	Payload []byte            `json:"payload"`
}

type handler struct {
	registry *schema.Registry
}

// SetupRouter creates a Gin router over registry. metrics is served on
// /metrics when not nil.
func SetupRouter(registry *schema.Registry, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	h := &handler{registry: registry}

	r.GET("/namespaces", h.listNamespaces)
	r.POST("/namespaces", h.createNamespace)
	r.DELETE("/namespaces/:ns", h.deleteNamespace)
	r.GET("/namespaces/:ns/groups", h.listGroups)
	r.POST("/namespaces/:ns/groups", h.createGroup)

	groupRoutes := r.Group("/namespaces/:ns/groups/:group")
	{
		groupRoutes.GET("", h.getGroup)
		groupRoutes.DELETE("", h.deleteGroup)
		groupRoutes.PUT("/rules", h.updateRules)

		groupRoutes.GET("/schemas", h.listSchemas)
		groupRoutes.POST("/schemas", h.addSchema)
		groupRoutes.GET("/schemas/latest", h.getLatestSchema)
		groupRoutes.GET("/schemas/versions/:ordinal", h.getSchema)
		groupRoutes.POST("/schemas/versions", h.lookupSchema)
		groupRoutes.POST("/schemas/validate", h.validateSchema)
		groupRoutes.POST("/schemas/canread", h.canRead)
		groupRoutes.GET("/history", h.getHistory)
		groupRoutes.GET("/types", h.getObjectTypes)

		groupRoutes.GET("/codecs", h.getCodecTypes)
		groupRoutes.POST("/codecs", h.addCodecType)
		groupRoutes.PUT("/encodings", h.getOrGenerateEncodingID)
		groupRoutes.GET("/encodings/:id", h.getEncodingInfo)
		groupRoutes.POST("/encode", h.encode)
		groupRoutes.POST("/decode", h.decode)
	}

	return r
}

func pageParams(c *gin.Context) (pagination.ContinuationToken, int, error) {
	limit := defaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return "", 0, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			return "", 0, fmt.Errorf("limit must not exceed %d", maxLimit)
		}
		limit = n
	}
	return pagination.ContinuationToken(c.Query("token")), limit, nil
}

func toRecord(s types.SchemaWithVersion) SchemaRecord {
	return SchemaRecord{
		Schema:     string(s.Schema.Data),
		Name:       s.Schema.Name,
		Format:     string(s.Schema.Format),
		Properties: s.Schema.Properties,
		Version:    s.Version,
	}
}

// schemaInfo converts a request, defaulting the format to the group's.
func (h *handler) schemaInfo(c *gin.Context) (types.SchemaInfo, bool) {
	var req SchemaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return types.SchemaInfo{}, false
	}
	var format types.SerializationFormat
	if req.Format != "" {
		f, err := types.ParseFormat(req.Format)
		if err != nil {
			invalidInput(c, err)
			return types.SchemaInfo{}, false
		}
		format = f
	} else {
		props, err := h.registry.GetGroupProperties(c.Request.Context(), c.Param("ns"), c.Param("group"))
		if err != nil {
			writeError(c, err)
			return types.SchemaInfo{}, false
		}
		format = props.Format
	}
	return types.SchemaInfo{Name: req.Name, Format: format, Data: []byte(req.Schema), Properties: req.Properties}, true
}

func (h *handler) listNamespaces(c *gin.Context) {
	token, limit, err := pageParams(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	page, err := h.registry.ListNamespaces(c.Request.Context(), token, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) createNamespace(c *gin.Context) {
	var req NamespaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	created, err := h.registry.CreateNamespace(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(createdStatus(created), CreatedResponse{Created: created})
}

func (h *handler) deleteNamespace(c *gin.Context) {
	if err := h.registry.DeleteNamespace(c.Request.Context(), c.Param("ns")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listGroups(c *gin.Context) {
	token, limit, err := pageParams(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	page, err := h.registry.ListGroups(c.Request.Context(), c.Param("ns"), token, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) createGroup(c *gin.Context) {
	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	format, err := types.ParseFormat(req.Format)
	if err != nil {
		invalidInput(c, err)
		return
	}
	created, err := h.registry.CreateGroup(c.Request.Context(), c.Param("ns"), req.Name, types.GroupProperties{
		Format:             format,
		ValidationRules:    req.Rules,
		AllowMultipleTypes: req.AllowMultipleTypes,
		EnableEncoding:     req.EnableEncoding,
		Properties:         req.Properties,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(createdStatus(created), CreatedResponse{Created: created})
}

func (h *handler) getGroup(c *gin.Context) {
	props, err := h.registry.GetGroupProperties(c.Request.Context(), c.Param("ns"), c.Param("group"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, props)
}

func (h *handler) deleteGroup(c *gin.Context) {
	if err := h.registry.DeleteGroup(c.Request.Context(), c.Param("ns"), c.Param("group")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) updateRules(c *gin.Context) {
	var req RulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if err := req.Rules.Validate(); err != nil {
		invalidInput(c, err)
		return
	}
	err := h.registry.UpdateValidationRules(c.Request.Context(), c.Param("ns"), c.Param("group"), req.Rules, req.Expected)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listSchemas(c *gin.Context) {
	token, limit, err := pageParams(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	page, err := h.registry.ListSchemas(c.Request.Context(), c.Param("ns"), c.Param("group"), token, limit, c.Query("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := pagination.Page[SchemaRecord]{Items: make([]SchemaRecord, len(page.Items)), Token: page.Token}
	for i, s := range page.Items {
		out.Items[i] = toRecord(s)
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) addSchema(c *gin.Context) {
	info, ok := h.schemaInfo(c)
	if !ok {
		return
	}
	v, err := h.registry.AddSchema(c.Request.Context(), c.Param("ns"), c.Param("group"), info)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handler) getLatestSchema(c *gin.Context) {
	s, err := h.registry.GetLatestSchema(c.Request.Context(), c.Param("ns"), c.Param("group"), c.Query("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecord(s))
}

func (h *handler) getSchema(c *gin.Context) {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil || ordinal < 0 {
		badRequest(c, "ordinal must be a non-negative integer")
		return
	}
	s, err := h.registry.GetSchema(c.Request.Context(), c.Param("ns"), c.Param("group"), ordinal)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecord(s))
}

func (h *handler) lookupSchema(c *gin.Context) {
	info, ok := h.schemaInfo(c)
	if !ok {
		return
	}
	v, err := h.registry.LookupSchema(c.Request.Context(), c.Param("ns"), c.Param("group"), info)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handler) validateSchema(c *gin.Context) {
	info, ok := h.schemaInfo(c)
	if !ok {
		return
	}
	err := h.registry.ValidateSchema(c.Request.Context(), c.Param("ns"), c.Param("group"), info)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, CompatibilityResponse{IsCompatible: true})
	case errors.Is(err, types.ErrIncompatibleSchema):
		c.JSON(http.StatusOK, CompatibilityResponse{IsCompatible: false, Message: err.Error()})
	default:
		writeError(c, err)
	}
}

func (h *handler) canRead(c *gin.Context) {
	info, ok := h.schemaInfo(c)
	if !ok {
		return
	}
	readable, err := h.registry.CanRead(c.Request.Context(), c.Param("ns"), c.Param("group"), info)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CompatibilityResponse{IsCompatible: readable})
}

func (h *handler) getHistory(c *gin.Context) {
	history, err := h.registry.GetHistory(c.Request.Context(), c.Param("ns"), c.Param("group"), c.Query("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]SchemaRecord, len(history))
	for i, e := range history {
		out[i] = toRecord(types.SchemaWithVersion{Schema: e.Schema, Version: e.Version})
		out[i].Rules = &history[i].Rules
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) getObjectTypes(c *gin.Context) {
	names, err := h.registry.GetObjectTypes(c.Request.Context(), c.Param("ns"), c.Param("group"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (h *handler) getCodecTypes(c *gin.Context) {
	codecs, err := h.registry.GetCodecTypes(c.Request.Context(), c.Param("ns"), c.Param("group"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, codecs)
}

func (h *handler) addCodecType(c *gin.Context) {
	var codec types.CodecType
	if err := c.ShouldBindJSON(&codec); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if err := h.registry.AddCodecType(c.Request.Context(), c.Param("ns"), c.Param("group"), codec); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) getOrGenerateEncodingID(c *gin.Context) {
	var req EncodingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	id, err := h.registry.GetOrGenerateEncodingID(c.Request.Context(), c.Param("ns"), c.Param("group"), req.Version, req.Codec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, EncodingResponse{ID: id})
}

func (h *handler) getEncodingInfo(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		badRequest(c, "id must be a 32-bit integer")
		return
	}
	info, err := h.registry.GetEncodingInfo(c.Request.Context(), c.Param("ns"), c.Param("group"), types.EncodingID(id))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, EncodingInfoResponse{
		Schema: toRecord(types.SchemaWithVersion{Schema: info.Schema, Version: info.Version}),
		Codec:  info.Codec,
	})
}

func (h *handler) encode(c *gin.Context) {
	var req EncodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	frame, err := h.registry.Encode(c.Request.Context(), c.Param("ns"), c.Param("group"), req.Version, req.Codec, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, FrameResponse{Data: frame})
}

func (h *handler) decode(c *gin.Context) {
	var req DecodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	info, payload, err := h.registry.Decode(c.Request.Context(), c.Param("ns"), c.Param("group"), req.Data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DecodeResponse{Version: info.Version, Codec: info.Codec, Payload: payload})
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}
