package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"
)

type healthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version,omitempty"`
	Queue     service.Stats `json:"queue"`
	Executors []string      `json:"executors"`
	Cached    int           `json:"cached"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(healthResponse{
		Status:    "ok",
		Version:   s.config.Version,
		Queue:     s.config.Scheduler.Stats(),
		Executors: s.config.Resolver.ExecutorTypes(),
		Cached:    s.config.Results.Len(),
	})
}

// run executes the runs and answers with their Results in id order.
func (s *Server) run(c *fiber.Ctx) error {
	reqs, err := s.parseRun(c)
	if err != nil {
		return err
	}
	results, err := s.config.Scheduler.RunAll(c.UserContext(), reqs)
	if err != nil {
		return submitError(err)
	}
	return c.JSON(resultsResponse{Results: results})
}

// runAsync enqueues the runs and answers immediately with job descriptors.
func (s *Server) runAsync(c *fiber.Ctx) error {
	reqs, err := s.parseRun(c)
	if err != nil {
		return err
	}
	jobs, err := s.submit(reqs, false)
	if err != nil {
		return err
	}
	return c.JSON(jobsResponse{Jobs: jobs})
}

func (s *Server) runRobot(c *fiber.Ctx) error {
	var body executorBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if len(body.IDs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "ids array required")
	}
	var params map[string]string
	if body.SuiteDir != "" {
		params = map[string]string{"suite_dir": body.SuiteDir}
	}
	return s.runExecutor(c, "robot", body.IDs, params)
}

func (s *Server) runQtest(c *fiber.Ctx) error {
	var body executorBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if len(body.IDs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "ids array required")
	}
	if body.Bin == "" {
		return fiber.NewError(fiber.StatusBadRequest, "bin path required")
	}
	return s.runExecutor(c, "qtest", body.IDs, map[string]string{"bin": body.Bin})
}

func (s *Server) runExecutor(c *fiber.Ctx, typ string, ids []runID, params map[string]string) error {
	reqs := make([]model.RunRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.resolve(model.RunRequest{ID: string(id), Type: typ, Params: params})
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	jobs, err := s.submit(reqs, true)
	if err != nil {
		return err
	}
	return c.JSON(jobsResponse{Jobs: jobs})
}

// runResults returns the cached Results, ids without one are left out.
func (s *Server) runResults(c *fiber.Ctx) error {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "ids query required")
	}
	return c.JSON(resultsResponse{Results: s.config.Results.GetMany(ids)})
}

func (s *Server) parseRun(c *fiber.Ctx) ([]model.RunRequest, error) {
	var body runBody
	if err := c.BodyParser(&body); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if body.IDs == nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "ids must be array")
	}
	reqs := make([]model.RunRequest, 0, len(body.IDs))
	for _, id := range body.IDs {
		opt, err := body.optionsFor(string(id))
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		req, err := s.resolve(opt.request(string(id)))
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (s *Server) resolve(req model.RunRequest) (model.RunRequest, error) {
	req, err := s.config.Resolver.Resolve(req)
	if err != nil {
		return req, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.LogName == "" {
		req.LogName = model.DefaultLogName(req.ID, time.Now())
	}
	return req, nil
}

func (s *Server) submit(reqs []model.RunRequest, withReport bool) ([]model.Job, error) {
	jobs := make([]model.Job, 0, len(reqs))
	for _, req := range reqs {
		if _, err := s.config.Scheduler.Submit(req); err != nil {
			return nil, submitError(err)
		}
		job := model.Job{ID: req.ID, LogFile: service.LogURL(req.LogName)}
		if withReport {
			job.Report = service.ReportURL(req.ID)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func submitError(err error) error {
	if errors.Is(err, model.ErrClosed) {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return err
}
