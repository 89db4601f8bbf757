package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docubuild/foreman/sched"
	"github.com/docubuild/foreman/stream"
)

// StatsResponse aggregates per-class queue depths and broker counters.
type StatsResponse struct {
	Classes []sched.Stats      `json:"classes"`
	Broker  stream.BrokerStats `json:"broker"`
}

func (a *API) stats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Classes: a.eng.Stats(),
		Broker:  a.eng.Broker().Stats(),
	})
}
