package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-co-op/gocron"

	"forecast_platform/config"
	"forecast_platform/models"
	"forecast_platform/services"
	"forecast_platform/services/datafetcher"
	"forecast_platform/services/licensemanager"
	"forecast_platform/services/signals"
)

const jobTimeout = 5 * time.Minute

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron     *gocron.Scheduler
	cfg      *config.Config
	mongo    *services.MongoDBClient
	licenses *licensemanager.Manager
	fetcher  *datafetcher.DataFetcher
	weather  *datafetcher.WeatherFetcher
	signals  *signals.SignalService
	state    *services.StateDB
	notifier services.Notifier
}

// NewScheduler creates a new scheduler instance
func NewScheduler(
	cfg *config.Config,
	mongo *services.MongoDBClient,
	licenses *licensemanager.Manager,
	fetcher *datafetcher.DataFetcher,
	weather *datafetcher.WeatherFetcher,
	signalSvc *signals.SignalService,
	state *services.StateDB,
	notifier services.Notifier,
) *Scheduler {
	return &Scheduler{
		cron:     gocron.NewScheduler(time.Local),
		cfg:      cfg,
		mongo:    mongo,
		licenses: licenses,
		fetcher:  fetcher,
		weather:  weather,
		signals:  signalSvc,
		state:    state,
		notifier: notifier,
	}
}

// Start starts all scheduled jobs
func (s *Scheduler) Start() {
	log.Println("Starting scheduler...")

	// Roll the license quota day over shortly after midnight
	s.cron.Every(1).Day().At("00:01").Do(func() {
		s.rolloverLicenseDay()
	})

	// Collect realtime quotes every 5 minutes during trading hours
	s.cron.Every(5).Minutes().Do(func() {
		if isMarketOpen() {
			s.collectRealtimeQuotes()
		}
	})

	// Collect daily closes after market close
	s.cron.Every(1).Day().At("15:30").Do(func() {
		s.collectDailyCloses()
	})

	// Run the signal monitors every 5 minutes during trading hours
	s.cron.Every(5).Minutes().Do(func() {
		if isMarketOpen() {
			s.runSignalMonitors()
		}
	})

	// Collect weather forecasts hourly
	s.cron.Every(1).Hour().Do(func() {
		s.collectWeather()
	})

	// Mail the license usage report after the trading day
	s.cron.Every(1).Day().At("18:00").Do(func() {
		s.sendUsageReport()
	})

	// Prune stale state weekly on Sunday at 01:00
	s.cron.Every(1).Week().Sunday().At("01:00").Do(func() {
		s.pruneState()
	})

	s.cron.StartAsync()
	log.Println("Scheduler started successfully")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}

// rolloverLicenseDay initializes today's quota records for every
// registered license
func (s *Scheduler) rolloverLicenseDay() {
	log.Println("Rolling license quota day over...")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.licenses.RolloverDay(ctx)
}

// watchedCodes loads the stock codes on the watch list
func (s *Scheduler) watchedCodes(ctx context.Context) []string {
	watched, err := s.mongo.LoadWatchedStocks(ctx)
	if err != nil {
		log.Printf("Error loading watch list: %v", err)
		return nil
	}
	codes := make([]string, 0, len(watched))
	for _, stock := range watched {
		codes = append(codes, stock.StockCode)
	}
	return codes
}

// collectRealtimeQuotes fetches quotes for every watched stock
func (s *Scheduler) collectRealtimeQuotes() {
	log.Println("Collecting realtime quotes...")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	codes := s.watchedCodes(ctx)
	if len(codes) == 0 {
		return
	}
	s.fetcher.CollectQuotes(ctx, codes)
}

// collectDailyCloses fetches the daily close for every watched stock
func (s *Scheduler) collectDailyCloses() {
	log.Println("Collecting daily closes...")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	codes := s.watchedCodes(ctx)
	if len(codes) == 0 {
		return
	}
	s.fetcher.CollectDailyCloses(ctx, codes)
}

// runSignalMonitors evaluates the RSI and MA cross monitors
func (s *Scheduler) runSignalMonitors() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.signals.RunRSIMonitor(ctx); err != nil {
		log.Printf("RSI monitor failed: %v", err)
	}
	if _, err := s.signals.RunMACrossMonitor(ctx); err != nil {
		log.Printf("MA cross monitor failed: %v", err)
	}
}

// collectWeather fetches hourly forecasts for the configured cities
func (s *Scheduler) collectWeather() {
	if s.cfg.WeatherAPIKey == "" || len(s.cfg.WeatherCities) == 0 {
		return
	}
	log.Println("Collecting weather forecasts...")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	results := s.weather.FetchCities(ctx, s.cfg.WeatherCities, s.cfg.WeatherDays)
	for city, result := range results {
		if result.Status != "success" {
			log.Printf("Weather fetch for %s failed: %s", city, result.Error)
		}
	}
}

// sendUsageReport mails today's license usage snapshot to the active
// alert recipients
func (s *Scheduler) sendUsageReport() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	snapshot, err := s.licenses.UsageSnapshot(ctx)
	if err != nil {
		log.Printf("Usage report failed: %v", err)
		return
	}
	if len(snapshot) == 0 {
		log.Println("Usage report skipped: no usage records for today")
		return
	}

	recipients := s.reportRecipients()
	if len(recipients) == 0 {
		log.Println("Usage report skipped: no active recipients")
		return
	}

	today := time.Now().Format("2006-01-02")
	subject := fmt.Sprintf("License usage report %s", today)
	if err := s.notifier.Send(subject, formatUsageReport(today, snapshot), recipients); err != nil {
		log.Printf("Error sending usage report: %v", err)
	}
}

func (s *Scheduler) reportRecipients() []string {
	if config.DB == nil {
		return nil
	}
	var active []models.AlertRecipient
	if err := config.DB.Where("is_active = ?", true).Find(&active).Error; err != nil {
		log.Printf("Error loading report recipients: %v", err)
		return nil
	}
	recipients := make([]string, 0, len(active))
	for _, recipient := range active {
		recipients = append(recipients, recipient.Email)
	}
	return recipients
}

// formatUsageReport renders the usage snapshot as a plain text table
func formatUsageReport(date string, snapshot []models.LicenseUsage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "License usage for %s\n\n", date)
	for _, usage := range snapshot {
		fmt.Fprintf(&b, "%-12s %4d / %4d (%d remaining)\n",
			models.TruncateLicense(usage.LicenseID),
			usage.UsageCount, usage.DailyLimit,
			usage.DailyLimit-usage.UsageCount)
	}
	return b.String()
}

// pruneState drops cached history and dedupe marks older than a week
func (s *Scheduler) pruneState() {
	cutoff := time.Now().AddDate(0, 0, -7).Format("2006-01-02")
	s.state.PruneBefore(cutoff)
	log.Printf("Pruned state cache before %s", cutoff)
}

// isMarketOpen checks whether the A-share market is currently in a
// trading session
func isMarketOpen() bool {
	now := time.Now()

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}

	// Sessions: 9:30-11:30 and 13:00-15:00
	minutes := now.Hour()*60 + now.Minute()
	morning := minutes >= 9*60+30 && minutes <= 11*60+30
	afternoon := minutes >= 13*60 && minutes <= 15*60
	return morning || afternoon
}
