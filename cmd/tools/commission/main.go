package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/zhouzirui/lingzhi/backend/internal/config"
	referralModel "github.com/zhouzirui/lingzhi/backend/internal/model/referral"
	"github.com/zhouzirui/lingzhi/backend/internal/service/metering"
	"github.com/zhouzirui/lingzhi/backend/internal/service/referral"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.StringP("mode", "m", "tiers", "模式: tiers、rate、project 或 cost")
	scheduleFile := flag.String("schedule", cfg.Referral.ScheduleFile, "分佣档位 YAML 文件，留空使用内置档位")
	tierID := flag.String("tier", "", "rate 模式下的合伙人等级 ID")
	level := flag.Int("level", 1, "rate 模式下的推荐层级 (1-3)")
	contribution := flag.Int64("contribution", 0, "project 模式下的累计贡献")
	amounts := flag.Int64Slice("amounts", nil, "project 模式下各层级的消费金额，逗号分隔")
	duration := flag.Duration("duration", 0, "cost 模式下的对话时长，例如 10m10s")
	flag.Parse()

	schedule := referralModel.Seed()
	if *scheduleFile != "" {
		if schedule, err = referralModel.LoadSchedule(*scheduleFile); err != nil {
			log.Fatalf("分佣档位加载失败: %v", err)
		}
	}
	model, err := referral.NewModel(schedule)
	if err != nil {
		log.Fatalf("分佣档位无效: %v", err)
	}

	switch *mode {
	case "tiers":
		printTiers(model)
	case "rate":
		rate, err := model.Rate(*tierID, *level)
		if err != nil {
			log.Fatalf("查询失败: %v", err)
		}
		fmt.Printf("%s L%d: %.2f%%\n", *tierID, *level, rate*100)
	case "project":
		printProjection(model, *contribution, *amounts)
	case "cost":
		rule := metering.Rule{Interval: cfg.Billing.Interval, UnitCost: cfg.Billing.UnitCost}
		printCost(rule, *duration)
	default:
		flag.Usage()
		log.Fatalf("未知模式 %q", *mode)
	}
}

func printTiers(model *referral.Model) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTHRESHOLD\tL1\tL2\tL3")
	for _, tier := range model.Tiers() {
		rates := make([]string, len(tier.Rates))
		for i, r := range tier.Rates {
			rates[i] = fmt.Sprintf("%.0f%%", r*100)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", tier.ID, tier.Name, tier.Threshold, strings.Join(rates, "\t"))
	}
	_ = w.Flush()
}

func printProjection(model *referral.Model, contribution int64, amounts []int64) {
	projection, err := model.Project(contribution, amounts)
	if err != nil {
		log.Fatalf("预估失败: %v", err)
	}

	fmt.Printf("当前等级: %s (%s)\n", projection.Tier.Name, projection.Tier.ID)
	for _, l := range projection.Levels {
		fmt.Printf("  L%d  金额 %d × %.2f%% = %d\n", l.Level, l.Amount, l.Rate*100, l.Payout)
	}
	fmt.Printf("合计分佣: %d\n", projection.Total)
	if next := projection.NextTier; next != nil {
		fmt.Printf("距离 %s 还差 %d\n", next.Name, next.Remaining)
	}
}

func printCost(rule metering.Rule, d time.Duration) {
	elapsed := int64(d / time.Second)
	fmt.Printf("时长 %ds (%d 分钟): %d 个计费单位，消耗 %d 灵值\n",
		elapsed, metering.Minutes(elapsed), rule.Units(elapsed), rule.ProvisionalDebit(elapsed))
}
