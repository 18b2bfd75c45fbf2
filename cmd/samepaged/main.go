// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/notcarbide/samepage/pkg/samepage"
	_ "github.com/notcarbide/samepage/pkg/version"
)

// daemonConfig is the YAML config file shape. Engine holds the
// engine's own JSON/YAML tunables.
type daemonConfig struct {
	Pids          []int                  `json:"pids,omitempty"`
	MetricsListen string                 `json:"metricsListen,omitempty"`
	StatsInterval string                 `json:"statsInterval,omitempty"`
	Oneshot       bool                   `json:"oneshot,omitempty"`
	Engine        map[string]interface{} `json:"engine,omitempty"`
}

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, fmt.Sprintf("samepaged: "+format+"\n", a...))
	os.Exit(1)
}

func parseOptPids(pidsStr string) []int {
	pids := []int{}
	if pidsStr == "" {
		return pids
	}
	for _, pidStr := range strings.Split(pidsStr, ",") {
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			exit("invalid -pids entry %q", pidStr)
		}
		pids = append(pids, pid)
	}
	return pids
}

func loadConfig(path string) daemonConfig {
	config := daemonConfig{
		MetricsListen: "",
		StatsInterval: "10s",
	}
	if path == "" {
		return config
	}
	configBytes, err := ioutil.ReadFile(path)
	if err != nil {
		exit("reading -config %q: %v", path, err)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		exit("parsing -config %q: %v", path, err)
	}
	return config
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read daemon configuration from a YAML file")
	optPids := flag.String("pids", "", "-pids=PID[,PID...] observe these processes")
	optListen := flag.String("metrics-listen", "", "-metrics-listen=ADDR serve prometheus metrics")
	optOneshot := flag.Bool("oneshot", false, "run a single scan pass and report")
	optDebug := flag.Bool("debug", false, "print debug output")
	flag.Parse()

	samepage.SetLogger(stdlog.New(os.Stderr, "", stdlog.LstdFlags))
	samepage.SetLogDebug(*optDebug)

	config := loadConfig(*optConfig)
	if *optPids != "" {
		config.Pids = parseOptPids(*optPids)
	}
	if *optListen != "" {
		config.MetricsListen = *optListen
	}
	if *optOneshot {
		config.Oneshot = true
	}

	var engine *samepage.Engine
	var proc *samepage.ProcVM
	if len(config.Pids) > 0 {
		proc = samepage.NewProcVM()
		for _, pid := range config.Pids {
			if err := proc.AddPid(pid); err != nil {
				exit("%v", err)
			}
		}
		engine = samepage.NewEngine(proc)
	} else {
		// no processes given: drive the simulated backend so the
		// engine can be poked over the metrics endpoint
		sim := samepage.NewSimVM()
		engine = samepage.NewEngine(sim)
	}

	if len(config.Engine) > 0 {
		engineJson, err := yaml.Marshal(config.Engine)
		if err != nil {
			exit("engine config: %v", err)
		}
		engineJson, err = yaml.YAMLToJSON(engineJson)
		if err != nil {
			exit("engine config: %v", err)
		}
		if err := engine.SetConfigJson(string(engineJson)); err != nil {
			exit("engine config: %v", err)
		}
	}
	fmt.Printf("samepaged: engine config %s\n", engine.GetConfigJson())

	if config.MetricsListen != "" {
		collector, err := samepage.NewCollector(engine)
		if err != nil {
			exit("metrics: %v", err)
		}
		prometheus.MustRegister(collector)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(config.MetricsListen, nil); err != nil {
				exit("metrics: %v", err)
			}
		}()
	}

	if config.Oneshot {
		if err := engine.SetRun(samepage.RunOneshot); err != nil {
			exit("%v", err)
		}
		for engine.Mode() != samepage.RunStop {
			time.Sleep(100 * time.Millisecond)
		}
		reportStats(engine, proc)
		return
	}

	if err := engine.SetRun(samepage.RunMerge); err != nil {
		exit("%v", err)
	}

	statsInterval, err := time.ParseDuration(config.StatsInterval)
	if err != nil {
		exit("invalid statsInterval %q: %v", config.StatsInterval, err)
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			reportStats(engine, proc)
		case sig := <-sigs:
			fmt.Printf("samepaged: %s, shutting down\n", sig)
			engine.Stop()
			reportStats(engine, proc)
			return
		}
	}
}

func reportStats(engine *samepage.Engine, proc *samepage.ProcVM) {
	ss := engine.Stats()
	fmt.Printf("samepaged: %s\n", ss)
	if proc != nil {
		savings := uint64(proc.RedirectedPages()) * uint64(os.Getpagesize())
		fmt.Printf("samepaged: achievable savings %d kB\n", savings/1024)
	}
}
